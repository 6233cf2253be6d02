package main

import "github.com/imgflow/credentials/cmd"

func main() {
	cmd.Execute()
}
