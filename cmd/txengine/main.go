package main

import "github.com/groupfinance/txengine/internal/cli"

func main() {
	cli.Execute()
}
