package main

import "github.com/aceteam-ai/meshdispatch/cmd"

func main() {
	cmd.Execute()
}
