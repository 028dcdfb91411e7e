package main

import "github.com/adamgarcia4/goLearning/spaces/cmd"

func main() {
	cmd.Execute()
}
