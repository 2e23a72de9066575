package main

import "github.com/arcward/roomkeeper/cmd"

func main() {
	cmd.Execute()
}
