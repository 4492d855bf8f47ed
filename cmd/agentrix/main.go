// agentrix is the multi-tenant worktree workbench server.
package main

import (
	"os"

	"github.com/vultuk/agentrix/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
