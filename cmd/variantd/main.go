package main

import (
	"os"

	"github.com/marketkit/variantd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
