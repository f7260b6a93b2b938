package main

import "github.com/andresmejia3/lipsync/cmd"

func main() {
	cmd.Execute()
}
