package main

import (
	"os"

	"github.com/fzft/go-amted/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
