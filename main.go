package main

import "fileconvert/cli"

func main() {
	cli.Execute()
}
