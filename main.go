package main

import (
	"github.com/sidkik/provision/cmd"
	"github.com/sidkik/provision/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
