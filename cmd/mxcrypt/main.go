package main

import (
	"os"

	"mxcrypt/cmd/mxcrypt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
