// Package main is the entry point for the dscan distributed scan
// coordinator and agent binary.
package main

import (
	"fmt"
	"os"

	"github.com/distscan/dscan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
