package main

import (
	"fmt"
	"os"

	"github.com/drblury/dualrun/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dualrun:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
