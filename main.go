package main

import "github.com/agentic-research/extidcache/cmd"

func main() {
	cmd.Execute()
}
