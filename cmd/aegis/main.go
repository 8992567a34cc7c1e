package main

import (
	"os"

	"github.com/aegisrun/aegis/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
