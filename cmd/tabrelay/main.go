package main

import (
	"os"

	"github.com/dgnsrekt/tabrelay/cmd/tabrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
