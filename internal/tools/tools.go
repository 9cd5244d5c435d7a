// Package tools executes the tool blocks agents embed in their output.
// A block is `<<<tool.<name>` + payload + `>>>`; each recognized block is
// replaced in the text with its result, and failures become warning lines
// instead of aborting the turn.
package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/common/stringutil"
	"github.com/adsdev/ads/internal/search"
	"github.com/adsdev/ads/internal/vsearch"
)

const (
	blockKind = "tool"

	// maxParallel bounds one batch of read-only tools.
	maxParallel = 5

	previewInputRunes  = 160
	previewOutputRunes = 400
)

// parallelTools run batched when adjacent; everything else serializes.
var parallelTools = map[string]bool{
	"read":    true,
	"grep":    true,
	"find":    true,
	"search":  true,
	"vsearch": true,
}

// Searcher is the web search dependency. *search.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
	ProviderName() string
}

// VectorSearcher is the workspace similarity index. *vsearch.Index
// satisfies it.
type VectorSearcher interface {
	Search(ctx context.Context, query string) ([]vsearch.Match, error)
	Count() int
}

// AgentInvoker lets the agent tool delegate a prompt to another
// registered adapter. The collaboration layer supplies it per turn.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, prompt string) (string, error)
}

// Hooks observe tool execution. Both callbacks are optional and must not
// block for long; they run on the invoking goroutine.
type Hooks struct {
	OnInvoke func(tool, payload string)
	OnResult func(tool, input, output string)
}

// Explored is one read-path target of the turn, for the client's
// activity feed.
type Explored struct {
	Tool   string `json:"tool"`
	Target string `json:"target"`
}

// Outcome is what one pass over an assistant message produced.
type Outcome struct {
	// ReplacedText has each block substituted with its result; the
	// client sees this.
	ReplacedText string
	// StrippedText has every block removed; history persists this.
	StrippedText string

	Ran      int
	Failed   int
	Explored []Explored
}

// Deps wires a Runner.
type Deps struct {
	Logger  *logger.Logger
	Policy  Policy
	Search  Searcher       // nil leaves the search tool unconfigured
	Vector  VectorSearcher // nil leaves vsearch unconfigured
	Invoker AgentInvoker   // nil disables the agent tool
	Hooks   Hooks
}

// Runner executes tool blocks under a fixed policy.
type Runner struct {
	log     *logger.Logger
	policy  Policy
	search  Searcher
	vector  VectorSearcher
	invoker AgentInvoker
	hooks   Hooks
}

// NewRunner builds a Runner from its dependencies.
func NewRunner(deps Deps) *Runner {
	return &Runner{
		log:     deps.Logger,
		policy:  deps.Policy,
		search:  deps.Search,
		vector:  deps.Vector,
		invoker: deps.Invoker,
		hooks:   deps.Hooks,
	}
}

// Policy exposes the active policy, mainly for the gateway's /cd check.
func (r *Runner) Policy() Policy {
	return r.policy
}

type blockResult struct {
	output  string
	targets []string
	err     error
}

// Run executes every tool block in text. Adjacent read-only blocks run
// concurrently; the rest run in order. Cancelling ctx aborts running
// children and marks the remaining blocks cancelled.
func (r *Runner) Run(ctx context.Context, baseDir, text string) *Outcome {
	blocks := ParseBlocks(text, blockKind)
	if len(blocks) == 0 {
		return &Outcome{ReplacedText: text, StrippedText: text}
	}

	results := make([]blockResult, len(blocks))
	for i := 0; i < len(blocks); {
		if parallelTools[blocks[i].Name] {
			j := i + 1
			for j < len(blocks) && parallelTools[blocks[j].Name] {
				j++
			}
			r.runBatch(ctx, baseDir, blocks[i:j], results[i:j])
			i = j
			continue
		}
		results[i] = r.invokeOne(ctx, baseDir, blocks[i])
		i++
	}

	out := &Outcome{}
	for i, res := range results {
		out.Ran++
		if res.err != nil {
			out.Failed++
			continue
		}
		for _, target := range res.targets {
			out.Explored = append(out.Explored, Explored{Tool: blocks[i].Name, Target: target})
		}
	}

	idx := 0
	out.ReplacedText = ReplaceBlocks(text, blocks, func(b Block) string {
		res := results[idx]
		idx++
		if res.err != nil {
			return warningLine(b.Name, res.err)
		}
		return res.output
	})
	out.StrippedText = ReplaceBlocks(text, blocks, func(Block) string { return "" })
	return out
}

func (r *Runner) runBatch(ctx context.Context, baseDir string, blocks []Block, results []blockResult) {
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i := range blocks {
		g.Go(func() error {
			results[i] = r.invokeOne(ctx, baseDir, blocks[i])
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) invokeOne(ctx context.Context, baseDir string, b Block) blockResult {
	if r.hooks.OnInvoke != nil {
		r.hooks.OnInvoke(b.Name, stringutil.TruncateRunesWithEllipsis(b.Payload, previewInputRunes))
	}

	var res blockResult
	if err := ctx.Err(); err != nil {
		res.err = errs.Cancelled("tool run interrupted")
	} else {
		res = r.dispatch(ctx, baseDir, b)
	}

	if res.err != nil {
		r.log.Warn("tool failed",
			zap.String("tool", b.Name),
			zap.Error(res.err))
	}
	if r.hooks.OnResult != nil {
		output := res.output
		if res.err != nil {
			output = res.err.Error()
		}
		r.hooks.OnResult(b.Name,
			stringutil.TruncateRunesWithEllipsis(b.Payload, previewInputRunes),
			stringutil.TruncateRunesWithEllipsis(output, previewOutputRunes))
	}
	return res
}

func (r *Runner) dispatch(ctx context.Context, baseDir string, b Block) blockResult {
	switch b.Name {
	case "search":
		return r.runSearch(ctx, b.Payload)
	case "vsearch":
		return r.runVSearch(ctx, b.Payload)
	case "read":
		return r.runRead(baseDir, b.Payload)
	case "write":
		return r.runWrite(baseDir, b.Payload)
	case "apply_patch":
		return r.runApplyPatch(ctx, baseDir, b.Payload)
	case "exec":
		return r.runExec(ctx, baseDir, b.Payload)
	case "grep":
		return r.runGrep(ctx, baseDir, b.Payload)
	case "find":
		return r.runFind(ctx, baseDir, b.Payload)
	case "agent":
		return r.runAgent(ctx, b.Payload)
	default:
		return blockResult{err: errs.Newf(errs.KindValidation, "unknown tool: %s", b.Name)}
	}
}

// warningLine is what a failed block turns into.
func warningLine(name string, err error) string {
	return "⚠️ tool " + name + " failed: " + errText(err)
}

// errText strips the kind prefix for user-facing messages.
func errText(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}

// relDisplay renders a path relative to base when it sits inside it.
func relDisplay(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
