package main

import "nextword/cmd"

func main() {
	cmd.Execute()
}
