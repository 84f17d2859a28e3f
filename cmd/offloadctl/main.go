package main

import (
	"os"

	"github.com/Meesho/BharatMLStack/diskoffload/cmd/offloadctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
