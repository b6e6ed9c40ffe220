// Command ki is the command line front end of the live-query runtime.
package main

import (
	"fmt"
	"os"

	"github.com/svd27/ki/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
