package main

import "github.com/zeshanziya/rhdh/cmd"

func main() {
	cmd.Execute()
}
