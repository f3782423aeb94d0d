package main

import "github.com/deltazero-dev/agentwire/cmd/agentwire/cmd"

func main() {
	cmd.Execute()
}
