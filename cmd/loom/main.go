package main

import (
	"github.com/loomchat/loom/internal/ui/cli"
)

func main() {
	cli.Execute()
}
