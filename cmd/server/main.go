package main

import "adpilot/cmd/cli"

func main() {
	cli.Execute()
}
