package main

import (
	"os"

	"github.com/phantom-sec/phantom/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
