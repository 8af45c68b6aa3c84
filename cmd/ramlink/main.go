// Command ramlink keeps a running game process in sync with a multiworld
// coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ramlink/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
