package synccore

import "github.com/pkg/errors"

// ErrAlreadyRunning is returned by Start when the core is already
// running.
var ErrAlreadyRunning = errors.New("synccore: already running")

// ErrNotRegistered is returned by New when no OAuth token has been
// established yet (the caller must call Register first).
var ErrNotRegistered = errors.New("synccore: not registered")
