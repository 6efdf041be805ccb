package main

import "github.com/fetchy-dl/fetchy/cmd"

func main() {
	cmd.Execute()
}
