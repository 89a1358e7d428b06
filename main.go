package main

import (
	"os"

	"github.com/pipcast/pipcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
