package main

import (
	"os"

	"github.com/go-delve/ntrace/cmd/ntrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
