package main

import (
	"os"

	"github.com/autarkd/autark/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
