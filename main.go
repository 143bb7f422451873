package main

import (
	"os"

	"github.com/abdelmounim-dev/collab-coordinator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
