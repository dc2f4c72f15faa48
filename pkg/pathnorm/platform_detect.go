package pathnorm

import "runtime"

// detectCurrentPlatform maps the Go build's GOOS to the Platform enum
// used for catalog id folding and incompatibility checks.
func detectCurrentPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return Windows
	case "darwin":
		return Darwin
	default:
		return Linux
	}
}
