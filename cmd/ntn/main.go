package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tim-projects/not-the-news-sub001/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ntn: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
