package main

import (
	"fmt"
	"os"

	"github.com/aligator/sdfat/internal/cli"
)

func main() {
	// Strict mode panics on the first failed check.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "halted: %v\n", r)
			os.Exit(3)
		}
	}()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
