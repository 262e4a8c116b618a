package main

import (
	"os"

	"github.com/huyyxy/memmachine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
