package main

import "github.com/vietddude/dialer/internal/cli"

func main() {
	cli.Execute()
}
