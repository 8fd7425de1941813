package main

import "github.com/javanhut/ivaldi-revstore/cli"

func main() {
	cli.Execute()
}
