package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

// HandleFatalError prints the friendly representation of `err` and exits.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic converts unexpected crashes into an error report. It must be
// installed with defer in main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("panic", r).Error("FleetSync crashed")
	fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
	os.Exit(1)
}
