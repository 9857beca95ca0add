package main

import "github.com/vietddude/keypool/internal/cli"

func main() {
	cli.Execute()
}
