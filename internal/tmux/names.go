package tmux

import (
	"regexp"
	"strings"
)

// fallbackComponent substitutes a name component that sanitises to nothing
// (e.g. an org named "///").
const fallbackComponent = "default"

var (
	disallowedRunes = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	dashRuns        = regexp.MustCompile(`-{2,}`)
)

// SanitizeComponent maps an arbitrary org/repo/branch string onto the tmux
// session-name alphabet: whitespace and disallowed runes become "-", runs of
// "-" collapse, leading/trailing "-" are stripped, and an empty result is
// replaced by a fallback label.
func SanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), "-")
	s = disallowedRunes.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return fallbackComponent
	}
	return s
}

// SessionName synthesises the canonical tmux session name for a worktree
// triple: <prefix><org>--<repo>--<branch>. Component sanitisation guarantees
// no component contains "--", so the separator is unambiguous.
func (c *Controller) SessionName(org, repo, branch string) string {
	return c.prefix + SanitizeComponent(org) + "--" + SanitizeComponent(repo) + "--" + SanitizeComponent(branch)
}

// SessionNameWithLabel appends a label slug for forced-unique session names
// (forceNew requests reuse the triple but need a distinct tmux session).
func (c *Controller) SessionNameWithLabel(org, repo, branch, label string) string {
	slug := SanitizeComponent(label)
	return c.SessionName(org, repo, branch) + "--" + slug
}

// SessionParts is the result of parsing a synthesised session name.
type SessionParts struct {
	Org    string
	Repo   string
	Branch string
	Label  string // empty unless the name carried a forced-unique suffix
}

// ParseSessionName performs the inverse of SessionName. It returns nil when
// name does not match the synthesised structure; callers must treat such
// names as opaque.
func (c *Controller) ParseSessionName(name string) *SessionParts {
	rest, ok := strings.CutPrefix(name, c.prefix)
	if !ok || rest == "" {
		return nil
	}
	parts := strings.Split(rest, "--")
	if len(parts) < 3 || len(parts) > 4 {
		return nil
	}
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	out := &SessionParts{Org: parts[0], Repo: parts[1], Branch: parts[2]}
	if len(parts) == 4 {
		out.Label = parts[3]
	}
	return out
}
