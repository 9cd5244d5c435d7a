// Package main is the ads server binary: one gateway process per
// workspace, serving the WebSocket console and the task queue.
package main

import "os"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
