package main

import "github.com/hitsmaxft/cc-proxy/cmd"

func main() {
	cmd.Execute()
}
