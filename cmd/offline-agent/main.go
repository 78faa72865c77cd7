package main

import cmd "github.com/rohmanhakim/offline-agent/internal/cli"

func main() {
	cmd.Execute()
}
