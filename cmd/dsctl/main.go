// Package main is the entry point for dsctl, the terminal client for the dataplane API.
package main

import (
	"os"

	"dataplane/cmd/dsctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
