package main

import "github.com/0xCarbon/libtss/cmd/dkls23/cmd"

func main() {
	cmd.Execute()
}
