package main

import (
	"os"

	"github.com/CodeMonkeyCybersecurity/wafcompare/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
