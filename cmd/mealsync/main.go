// Command mealsync is a command-line client for the meal planning service.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
