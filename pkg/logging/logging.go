// Package logging provides the sync core's logging facility. It mirrors
// the structure of a conventional line logger (one sink, hierarchical
// sublogger names) but adds structured fields, since the sync core
// routinely wants to tag a log line with a path, a side, or a document
// id rather than interpolate them into a free-form message.
package logging

import (
	"log"
	"os"
)

func init() {
	// Set the global logger to use standard output. Callers that want
	// structured output elsewhere (e.g. a file) can call log.SetOutput
	// themselves before constructing loggers.
	log.SetOutput(os.Stdout)
}
