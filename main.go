package main

import "github.com/fulmenhq/lading/cmd"

func main() {
	cmd.Execute()
}
