package main

import "github.com/javi11/metafs/cmd/metafs/cmd"

func main() {
	cmd.Execute()
}
