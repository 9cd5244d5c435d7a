package tools

import (
	"context"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
)

type agentPayload struct {
	Agent  string `json:"agent"`
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

func (r *Runner) runAgent(ctx context.Context, payload string) blockResult {
	if r.invoker == nil {
		return blockResult{err: errs.New(errs.KindToolDisabled, "agent delegation is not available here")}
	}
	var p agentPayload
	if err := decodeJSON(strings.TrimSpace(payload), &p); err != nil {
		return blockResult{err: err}
	}
	target := strings.TrimSpace(p.Agent)
	if target == "" {
		target = strings.TrimSpace(p.ID)
	}
	if target == "" {
		return blockResult{err: errs.Validation("agent tool needs a target agent")}
	}
	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return blockResult{err: errs.Validation("agent tool needs a prompt")}
	}

	out, err := r.invoker.Invoke(ctx, target, prompt)
	if err != nil {
		return blockResult{err: err}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = "agent " + target + " returned no output"
	}
	return blockResult{output: out}
}
