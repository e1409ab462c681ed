package main

import "github.com/example/permit-scheduler/cmd"

func main() {
	cmd.Execute()
}
