package main

import (
	"os"

	"github.com/mirrorline/copytrader/cmd/copytrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
