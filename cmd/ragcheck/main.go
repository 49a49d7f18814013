package main

import (
	"fmt"
	"os"
)

// Exit codes. A completed run exits 0 even when the score verdict is FAIL;
// only run-fatal conditions (bad dataset, bad config, unwritable report)
// exit non-zero.
const (
	ExitSuccess = 0
	ExitError   = 1
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitError)
	}
}
