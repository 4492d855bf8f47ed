package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var branchSlugRunes = regexp.MustCompile(`[^a-z0-9._/-]+`)

// SlugifyBranch reduces raw LLM output to a git-safe branch slug: first
// non-empty line, lowercased, disallowed runes collapsed to dashes.
func SlugifyBranch(raw string) string {
	line := raw
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.ToLower(strings.TrimSpace(line))
	line = branchSlugRunes.ReplaceAllString(line, "-")
	line = strings.Trim(line, "-./")
	for strings.Contains(line, "--") {
		line = strings.ReplaceAll(line, "--", "-")
	}
	return line
}

// GenerateBranchName asks the configured LLM command for a branch name
// derived from the task description. Any failure is wrapped with the command
// name; a result that resolves to "main" is refused regardless of output.
func GenerateBranchName(ctx context.Context, command, description string) (string, error) {
	prompt := "Suggest a short git branch name (lowercase, dash-separated, no quotes) for this task:\n" +
		description + "\n"
	raw, err := Run(ctx, command, prompt, RunOptions{
		Timeout:   BranchNameTimeout,
		MaxOutput: BranchNameMaxOutput,
	})
	if err != nil {
		return "", fmt.Errorf("Failed to generate branch name using %s: %s", command, err)
	}
	slug := SlugifyBranch(raw)
	if slug == "" {
		return "", fmt.Errorf("Failed to generate branch name using %s: empty result", command)
	}
	if slug == "main" {
		return "", fmt.Errorf("Failed to generate branch name using %s: refusing branch name %q", command, slug)
	}
	return slug, nil
}

// GeneratePlan asks the LLM command for a plan document, under the larger
// plan limits.
func GeneratePlan(ctx context.Context, command, description string) (string, error) {
	out, err := Run(ctx, command, description, RunOptions{
		Timeout:   PlanTimeout,
		MaxOutput: PlanMaxOutput,
	})
	if err != nil {
		return "", fmt.Errorf("plan generation with %s failed: %s", command, err)
	}
	return out, nil
}
