// Endoorctl is the CLI client for the endoor daemon status API.
package main

import "github.com/endoor-net/endoor/cmd/endoorctl/commands"

func main() {
	commands.Execute()
}
