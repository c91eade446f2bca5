package main

import (
	"os"

	"github.com/the-crypt-keeper/llama-srb-api/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
