// Package main is the entry point for the lowvideo application.
package main

import (
	"os"

	"github.com/QVSorrow/low-level-video/cmd/lowvideo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
