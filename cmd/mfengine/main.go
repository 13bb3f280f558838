package main

import (
	"os"

	"github.com/sparrowinvest/mfengine/cmd/mfengine/commands"
)

// main is the entry point for the mfengine CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/mfengine [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
