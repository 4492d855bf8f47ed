package launch

import "strings"

// ShellQuote wraps s in POSIX single quotes, escaping embedded quotes as
// '\''. Evaluating the result with /bin/sh yields s verbatim for any byte
// string without a null.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// NormalizeInput converts a command line into terminal key input: CRLF and
// bare LF both become CR, and a trailing CR is guaranteed so the shell
// executes the line.
func NormalizeInput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r")
	if !strings.HasSuffix(s, "\r") {
		s += "\r"
	}
	return s
}
