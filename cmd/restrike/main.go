package main

import "github.com/restrike/restrike-vta/internal/cli"

func main() {
	cli.Execute()
}
