// Package buildinfo holds process-wide, read-only build and debug
// information. It intentionally stays tiny: anything mutable belongs on
// synccore.Core, not here.
package buildinfo

import "os"

// DebugEnabled controls whether verbose debug logging is emitted. It is
// set once at process startup from the COZY_SYNC_DEBUG environment
// variable.
var DebugEnabled bool

func init() {
	DebugEnabled = os.Getenv("COZY_SYNC_DEBUG") == "1"
}

// Version components for this build of the sync core.
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)
