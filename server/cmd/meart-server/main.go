package main

import (
	"os"

	"github.com/meartlab/meart/server/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
