package main

import "github.com/brocaar/chirpstack-dht22-decoder/cmd/chirpstack-dht22-decoder/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
