package main

import (
	"fmt"
	"os"

	"chunkvault/cmd/cv/commands"
	"chunkvault/pkg/fault"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		os.Exit(fault.ExitCode(err))
	}
}
