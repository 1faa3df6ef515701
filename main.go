package main

import (
	"os"

	"github.com/poolguard/poolguard/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
