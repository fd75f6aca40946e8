package main

import (
	"feed-orchestrator/internal/cli"
)

func main() {
	cli.Execute()
}
