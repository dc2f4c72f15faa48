package logging

// Level is the severity gate carried by each Logger: a line is emitted
// only when the logger's configured level admits it (see Logger.enabled
// and Logger.SetLevel). Values are ordered so that a higher Level
// admits strictly more output.
type Level uint

const (
	// LevelDisabled suppresses all output. It is also what a nil
	// Logger reports, consistent with a nil Logger never emitting.
	LevelDisabled Level = iota
	// LevelError admits Error only.
	LevelError
	// LevelWarn admits Warn and Error.
	LevelWarn
	// LevelInfo admits Print and everything more severe. It is
	// RootLogger's default.
	LevelInfo
	// LevelDebug admits Debug output even on a non-debug build (a
	// debug build admits Debug regardless of level).
	LevelDebug
	// LevelTrace admits everything.
	LevelTrace
)

// NameToLevel maps the spellings accepted by the logLevel
// configuration field onto Level values. It reports false (and returns
// LevelDisabled) for an unknown name.
func NameToLevel(name string) (Level, bool) {
	switch name {
	case "disabled":
		return LevelDisabled, true
	case "error":
		return LevelError, true
	case "warn":
		return LevelWarn, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	case "trace":
		return LevelTrace, true
	default:
		return LevelDisabled, false
	}
}

// String renders the same spelling NameToLevel accepts.
func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}
