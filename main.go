package main

import "github.com/thedudeyeets/nexusbot-worker/cmd"

func main() {
	cmd.Execute()
}
