package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr *os.File) int {
	app := App()
	if err := app.Run(args); err != nil {
		_, _ = fmt.Fprintf(stderr, "sbsd-daemon: %s\n", err)
		return 1
	}
	return 0
}
