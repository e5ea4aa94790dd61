package main

import "github.com/nextlevelbuilder/wapipe/cmd"

func main() {
	cmd.Execute()
}
