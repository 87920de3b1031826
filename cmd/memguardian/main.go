package main

import (
	"os"

	"github.com/bobmatnyc/memguardian/cmd/memguardian/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
