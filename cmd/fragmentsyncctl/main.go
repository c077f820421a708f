package main

import "github.com/keithlinneman/fragmentsync/internal/cli"

func main() {
	cli.Execute()
}
