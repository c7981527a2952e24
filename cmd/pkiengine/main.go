package main

import "github.com/jmcleod/pkiengine/cmd/pkiengine/cmd"

func main() {
	cmd.Execute()
}
