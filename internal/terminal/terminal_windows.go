//go:build windows

package terminal

import (
	"os"
	"syscall"
)

// Start launches the process in pipe mode. ConPTY allocation is not wired on
// Windows; tmux does not run there and the engine treats resize as best
// effort.
func Start(cfg Config) (*Terminal, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = ShellCommand()
	}
	if cfg.Env == nil {
		cfg.Env = BuildEnv(os.Environ())
	}
	return startPipeMode(cfg)
}

func resizePtmx(ptmx ptmxFile, cols, rows int) error {
	return nil
}

func signalName(sig syscall.Signal) string {
	return sig.String()
}
