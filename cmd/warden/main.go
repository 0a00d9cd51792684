// Package main is the entry point for the warden CLI.
package main

import (
	"errors"
	"fmt"
	"os"
)

// exitError carries a specific process exit code (e.g. status uses 2 for
// "daemon unreachable" so scripts can distinguish it from usage errors).
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
