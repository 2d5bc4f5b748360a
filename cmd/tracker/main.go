package main

import (
	"os"

	"github.com/ronappleton/tracker/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
