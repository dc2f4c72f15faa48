package logging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/buildinfo"
)

func TestLoggerStartsDisabledAndInfoAdmitsInfoAndMoreSevere(t *testing.T) {
	l := &Logger{}
	require.Equal(t, LevelDisabled, l.Level(), "a bare Logger starts at the zero Level")

	l.SetLevel(LevelInfo)
	require.Equal(t, LevelInfo, l.Level())
	require.True(t, l.enabled(LevelError))
	require.True(t, l.enabled(LevelWarn))
	require.True(t, l.enabled(LevelInfo))
	require.False(t, l.enabled(LevelDebug))
}

func TestLoggerSubloggerAndWithInheritLevel(t *testing.T) {
	l := &Logger{level: LevelWarn}

	sub := l.Sublogger("child")
	require.Equal(t, LevelWarn, sub.Level())

	tagged := l.With(F("path", "a.txt"))
	require.Equal(t, LevelWarn, tagged.Level())
}

func TestLoggerSetLevelOnlyAffectsReceiver(t *testing.T) {
	l := &Logger{level: LevelWarn}
	sub := l.Sublogger("child")

	sub.SetLevel(LevelTrace)

	require.Equal(t, LevelWarn, l.Level())
	require.Equal(t, LevelTrace, sub.Level())
}

func TestLoggerDebugEnabledByLevelRegardlessOfBuildFlag(t *testing.T) {
	l := &Logger{level: LevelDebug}
	require.True(t, l.debugEnabled())

	l.SetLevel(LevelInfo)
	require.Equal(t, buildinfo.DebugEnabled, l.debugEnabled())
}

func TestNilLoggerIsDisabledAndSilent(t *testing.T) {
	var l *Logger
	require.Equal(t, LevelDisabled, l.Level())
	require.False(t, l.enabled(LevelError))
	l.SetLevel(LevelTrace) // no-op, must not panic
	l.Error(nil)
	l.Warn(nil)
	l.Print("unreachable")
}
