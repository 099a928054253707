package main

import "github.com/ayusman/gazegrid/internal/cli"

func main() {
	cli.Execute()
}
