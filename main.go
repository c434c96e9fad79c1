package main

import "github.com/matgo18/TheyMissYou/cmd"

func main() {
	cmd.Execute()
}
