package main

import (
	"os"

	"github.com/alexisml/evbalance/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
