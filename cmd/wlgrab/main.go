package main

import "github.com/bryanchriswhite/wlgrab/cmd/wlgrab/commands"

func main() {
	commands.Execute()
}
