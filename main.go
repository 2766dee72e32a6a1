package main

import "github.com/nextlevelbuilder/telefwd/cmd"

func main() {
	cmd.Execute()
}
