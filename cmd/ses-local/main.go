package main

import (
	"fmt"
	"os"

	"github.com/jasonberkes/ses-local/internal/errors"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp()
	err := app.Run(os.Args)
	if err == nil {
		return
	}
	// A held single-instance lock is a notice, not a failure.
	if errors.Is(err, errors.KindFatal) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
