package main

import "ecomsimply/cmd"

func main() {
	cmd.Run()
}
