package main

import (
	"os"

	"github.com/ShiznitsO/system-core/cmd/cfidump/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
