package main

import "github.com/drsoft-oss/rotaproxy/cmd"

func main() {
	cmd.Execute()
}
