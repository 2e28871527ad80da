package main

import (
	"os"

	"github.com/wardenfs/snapwarden/cmd/snapwardend/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
