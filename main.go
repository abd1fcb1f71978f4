package main

import "github.com/markb/fitdesk/cmd"

func main() {
	cmd.Execute()
}
