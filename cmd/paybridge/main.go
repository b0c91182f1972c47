package main

import (
	"os"

	"github.com/solatis/paybridge/cmd/paybridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
