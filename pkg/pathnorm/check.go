package pathnorm

import (
	"fmt"
	"strings"
)

// DocType mirrors catalog.DocType without importing the catalog package,
// since the path normalizer sits below the catalog in the dependency
// order and must not depend on it.
type DocType int

const (
	// File indicates the path names a regular file.
	File DocType = iota
	// Folder indicates the path names a directory.
	Folder
)

// Finding describes a single naming-rule violation found on one segment
// of a path for one platform.
type Finding struct {
	Platform Platform
	Segment  string
	Reason   string
}

// String renders a human-readable description of the finding.
func (f Finding) String() string {
	return fmt.Sprintf("%s: segment %q: %s", platformName(f.Platform), f.Segment, f.Reason)
}

func platformName(p Platform) string {
	switch p {
	case Linux:
		return "linux"
	case Darwin:
		return "macOS"
	case Windows:
		return "windows"
	default:
		return "unknown"
	}
}

// Incompatibility is the structured result of Check: a possibly-empty
// list of findings. A zero-value Incompatibility (no findings) means the
// path is legal everywhere it was checked. Incompatibilities never block
// synchronization; they are only surfaced to the user.
type Incompatibility struct {
	Findings []Finding
}

// OK reports whether no findings were produced.
func (i Incompatibility) OK() bool {
	return len(i.Findings) == 0
}

const (
	maxSegmentBytes = 255
)

var maxPathBytes = map[Platform]int{
	Linux:   4096,
	Darwin:  1024,
	Windows: 260,
}

var windowsReservedChars = "<>:\"|?*"
var macReservedChars = ":"

var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
}

func init() {
	for i := 1; i <= 9; i++ {
		windowsReservedNames[fmt.Sprintf("COM%d", i)] = true
		windowsReservedNames[fmt.Sprintf("LPT%d", i)] = true
	}
}

func hasControlChar(s string) bool {
	for _, r := range s {
		if r < 0x20 {
			return true
		}
	}
	return false
}

// Check validates a canonical path against the naming rules of the given
// platform: reserved characters, reserved names, forbidden trailing
// characters, per-segment byte limits, and per-path byte limits.
// docType is currently unused by any rule but is accepted so
// that future per-kind rules (e.g. a folder-only restriction) have a
// home without changing the signature.
func Check(canonicalPath string, docType DocType, platform Platform) Incompatibility {
	var result Incompatibility

	if len(canonicalPath) > maxPathBytes[platform] {
		result.Findings = append(result.Findings, Finding{
			Platform: platform,
			Segment:  canonicalPath,
			Reason:   fmt.Sprintf("path exceeds %d bytes", maxPathBytes[platform]),
		})
	}

	for _, segment := range strings.Split(canonicalPath, "/") {
		if segment == "" {
			continue
		}
		if len(segment) > maxSegmentBytes {
			result.Findings = append(result.Findings, Finding{
				Platform: platform, Segment: segment,
				Reason: fmt.Sprintf("segment exceeds %d bytes", maxSegmentBytes),
			})
		}

		switch platform {
		case Windows:
			if strings.ContainsAny(segment, windowsReservedChars) || hasControlChar(segment) {
				result.Findings = append(result.Findings, Finding{
					Platform: platform, Segment: segment,
					Reason: "contains a character reserved on Windows",
				})
			}
			base := segment
			if idx := strings.IndexByte(base, '.'); idx > 0 {
				base = base[:idx]
			}
			if windowsReservedNames[strings.ToUpper(base)] {
				result.Findings = append(result.Findings, Finding{
					Platform: platform, Segment: segment,
					Reason: "is a reserved device name on Windows",
				})
			}
			if last := segment[len(segment)-1]; last == '.' || last == ' ' {
				result.Findings = append(result.Findings, Finding{
					Platform: platform, Segment: segment,
					Reason: "ends with a period or space, which Windows forbids",
				})
			}
		case Darwin:
			if strings.Contains(segment, macReservedChars) {
				result.Findings = append(result.Findings, Finding{
					Platform: platform, Segment: segment,
					Reason: "contains ':', which macOS forbids",
				})
			}
		case Linux:
			// Linux's only universal restriction ('/' and NUL) is already
			// impossible to encode in a single segment, so there is
			// nothing further to check here.
		}
	}

	return result
}

// CheckAll runs Check against every supported platform and merges the
// findings, used when the caller wants to know whether a name will
// survive on any peer regardless of its OS.
func CheckAll(canonicalPath string, docType DocType) Incompatibility {
	var merged Incompatibility
	for _, p := range []Platform{Linux, Darwin, Windows} {
		merged.Findings = append(merged.Findings, Check(canonicalPath, docType, p).Findings...)
	}
	return merged
}
