package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adsdev/ads/internal/workspace"
)

// version is stamped at build time via
// -ldflags "-X main.version=v1.2.3".
var version = "dev"

var (
	flagConfig string
	flagRoot   string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ads",
		Short:         "ads - agent development server",
		Long:          "ads runs a workspace-local gateway that mediates between a console client and LLM-backed coding agents, with a durable task queue and local tool execution.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config directory holding ads.yaml")
	root.PersistentFlags().StringVar(&flagRoot, "root", "", "workspace root (default: detected git root or cwd)")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ads %s\n", version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the workspace for a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace(cmd)
			if err != nil {
				return err
			}
			pidPath := ws.PIDFilePath()
			data, err := os.ReadFile(pidPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Printf("no gateway running in %s\n", ws.Root())
					return nil
				}
				return err
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				fmt.Printf("stale pid file %s (unparseable)\n", pidPath)
				return nil
			}
			if workspace.ProcessAlive(pid) {
				fmt.Printf("gateway running in %s (pid %d)\n", ws.Root(), pid)
			} else {
				fmt.Printf("stale pid file %s (pid %d not running)\n", pidPath, pid)
			}
			return nil
		},
	}
}

// resolveWorkspace picks the workspace root: the --root flag, then the
// enclosing git root, then the current directory.
func resolveWorkspace(cmd *cobra.Command) (*workspace.Workspace, error) {
	root := flagRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if gitRoot, err := workspace.GitRoot(cmd.Context(), cwd); err == nil && gitRoot != "" {
			root = gitRoot
		} else {
			root = cwd
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return workspace.New(abs)
}
