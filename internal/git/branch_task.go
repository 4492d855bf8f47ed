package git

import (
	"context"
	"fmt"

	"github.com/vultuk/agentrix/internal/llm"
	"github.com/vultuk/agentrix/internal/task"
)

// generateBranchName is swapped in tests.
var generateBranchName = llm.GenerateBranchName

// GenerateBranchTask asks the configured LLM command for a branch name under
// the task tracker. The result carries the slug; collisions with existing
// branches of (org, repo) get a numeric suffix.
func GenerateBranchTask(tr *task.Tracker, ws *Workspace, llmCommand, org, repo, description string) task.Task {
	spec := task.Spec{
		Type:  "branch_generate",
		Title: fmt.Sprintf("Generate branch name for %s/%s", org, repo),
		Metadata: map[string]any{
			"org":  org,
			"repo": repo,
		},
	}
	return tr.Run(spec, func(ctx *task.Context) (any, error) {
		ctx.EnsureStep("generate", "Generate branch name")
		ctx.EnsureStep("check", "Check availability")

		ctx.StartStep("generate")
		name, err := generateBranchName(context.Background(), llmCommand, description)
		if err != nil {
			ctx.FailStep("generate")
			return nil, err
		}
		ctx.LogStep("generate", "suggested "+name)
		ctx.CompleteStep("generate")

		ctx.StartStep("check")
		r, err := Open(ws.RepoPath(org, repo))
		if err != nil {
			// No local clone to check against; the suggestion stands.
			ctx.SkipStep("check")
			return map[string]any{"branch": name}, nil
		}
		final := name
		for n := 2; ; n++ {
			exists, berr := r.BranchExists(final)
			if berr != nil {
				ctx.FailStep("check")
				return nil, berr
			}
			if !exists {
				break
			}
			final = fmt.Sprintf("%s-%d", name, n)
		}
		if final != name {
			ctx.LogStep("check", fmt.Sprintf("%q taken, using %q", name, final))
		}
		ctx.CompleteStep("check")

		return map[string]any{"branch": final}, nil
	})
}
