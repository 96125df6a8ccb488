package main

import "github.com/vietddude/remediator/internal/cli"

func main() {
	cli.Execute()
}
