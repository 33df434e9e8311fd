package main

import (
	"os"

	"github.com/baderanaas/hushmesh/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
