package main

import (
	"DrumRoom/cmd"
)

func main() {
	cmd.Execute()
}
