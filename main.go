package main

import (
	"os"

	"github.com/plaitext/plait/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
