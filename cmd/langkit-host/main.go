package main

import (
	"os"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/cmd/langkit-host/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
