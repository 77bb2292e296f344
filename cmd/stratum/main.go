package main

import "github.com/aweris/stratum/cmd/stratum/cmd"

func main() {
	cmd.Execute()
}
