package main

import "github.com/anikow/rankbot/cmd"

func main() {
	cmd.Execute()
}
