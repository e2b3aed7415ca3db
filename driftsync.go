package main

import (
	"os"

	"github.com/driftsync/driftsync/cli"
)

func main() {
	os.Exit(cli.Execute())
}
