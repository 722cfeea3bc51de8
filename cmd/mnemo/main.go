package main

import "github.com/mnemohq/mnemo/internal/cli"

func main() {
	cli.Execute()
}
