package main

import "github.com/example/knocktwice/cmd"

func main() {
	cmd.Execute()
}
