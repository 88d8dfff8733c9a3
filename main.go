package main

import "github.com/audiolibrelab/atmoscapture/cmd"

func main() {
	cmd.Execute()
}
