package main

import (
	"os"

	"github.com/austindbirch/crpt_submit/cmd/crptctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
