package main

import (
	"os"

	"github.com/jtrefon/bcai/cmd/bcai/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
