package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// A partial sync already printed its per-target outcome.
		if errors.Is(err, errSyncIncomplete) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
