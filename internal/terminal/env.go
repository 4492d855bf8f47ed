package terminal

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultLocale = "en_US.UTF-8"

// fallbackShell is used when SHELL is unset.
const fallbackShell = "/bin/bash"

// BuildEnv derives the child environment from base: tmux nesting markers are
// stripped so shells inside our PTY never believe they are already inside
// tmux, colour support is forced, and the locale is coerced to UTF-8 (an
// existing UTF-8 value wins over the default).
func BuildEnv(base []string) []string {
	drop := map[string]bool{
		"TMUX":        true,
		"TMUX_PANE":   true,
		"TERM":        true,
		"COLORTERM":   true,
		"FORCE_COLOR": true,
		"LANG":        true,
		"LC_ALL":      true,
		"LC_CTYPE":    true,
	}

	locale := defaultLocale
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "LC_ALL", "LC_CTYPE", "LANG":
			if locale == defaultLocale && isUTF8Locale(value) {
				locale = value
			}
		}
	}

	out := make([]string, 0, len(base)+6)
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok && drop[key] {
			continue
		}
		out = append(out, kv)
	}
	return append(out,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"LANG="+locale,
		"LC_ALL="+locale,
		"LC_CTYPE="+locale,
	)
}

func isUTF8Locale(value string) bool {
	v := strings.ToLower(value)
	return strings.Contains(v, "utf-8") || strings.Contains(v, "utf8")
}

// ShellCommand selects the user's shell (SHELL, /bin/bash fallback) and
// returns the argv that spawns it interactively. Known shells get their
// login+interactive flags; anything else is spawned bare.
func ShellCommand() []string {
	return ShellCommandFor("")
}

// ShellCommandFor is ShellCommand with an explicit shell path; empty falls
// back to $SHELL.
func ShellCommandFor(shell string) []string {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = fallbackShell
	}
	switch filepath.Base(shell) {
	case "bash", "zsh":
		return []string{shell, "-il"}
	case "fish":
		return []string{shell, "-i", "-l"}
	default:
		return []string{shell}
	}
}
