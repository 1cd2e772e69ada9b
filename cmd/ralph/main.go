// Command ralph is the autonomous agent-loop supervisor's entry point.
package main

import (
	"os"

	"github.com/revsmoke/ralph-claude-code/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
