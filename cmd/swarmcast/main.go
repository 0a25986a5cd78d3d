package main

import (
	"swarmcast/cmd/swarmcast/cmd"
)

func main() {
	cmd.Execute()
}
