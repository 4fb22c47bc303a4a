package main

import "github.com/is-mlops/shipctl/pkg/cli"

func main() {
	cli.Execute()
}
