package main

import "github.com/harrowgate/fetchcore/cmd"

func main() {
	cmd.Execute()
}
