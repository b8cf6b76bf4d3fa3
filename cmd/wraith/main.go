package main

import (
	"os"

	"github.com/doublegate/WRAITH-Protocol-sub010/cmd/wraith/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
