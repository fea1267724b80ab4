// Command keysync synchronizes an append-only change log into a keyed target table.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/keysync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
