package main

import (
	"os"

	"github.com/sievemem/sieve/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
