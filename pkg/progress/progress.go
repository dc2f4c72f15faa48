// Package progress defines the progress events the sync core emits
// toward the desktop shell and the "last-files" history the shell uses
// to repopulate its UI on restart.
//
// Progress is modeled as an explicit channel owned by whoever constructs
// the Executor, not a shared global emitter: each subscriber owns its
// receiver, and closing the channel is how cancellation propagates to
// the UI side.
package progress

import "time"

// Kind enumerates the named progress events the shell consumes.
type Kind int

const (
	KindTransferStarted Kind = iota
	KindTransferCopy
	KindTransferMove
	KindDeleteFile
	KindUpToDate
	KindOnline
	KindOffline
	KindPlatformIncompatibilities
	KindSyncError
	// KindRevoked signals that remote credentials are no longer valid
	// and synchronization has halted; distinct from KindSyncError so a
	// UI can route the user to re-linking rather than showing a generic
	// failure.
	KindRevoked
	// KindQuota signals that the remote rejected a write for lack of
	// space and synchronization has halted.
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindTransferStarted:
		return "transfer-started"
	case KindTransferCopy:
		return "transfer-copy"
	case KindTransferMove:
		return "transfer-move"
	case KindDeleteFile:
		return "delete-file"
	case KindUpToDate:
		return "up-to-date"
	case KindOnline:
		return "online"
	case KindOffline:
		return "offline"
	case KindPlatformIncompatibilities:
		return "platform-incompatibilities"
	case KindSyncError:
		return "sync-error"
	case KindRevoked:
		return "revoked"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Event is a single progress notification. Only the fields relevant to
// Kind are populated; the rest are zero-valued.
type Event struct {
	Kind Kind
	// Path is the primary path the event concerns.
	Path string
	// OldPath is populated for KindTransferMove.
	OldPath string
	// Message carries free text for KindSyncError, KindRevoked,
	// KindQuota, and KindPlatformIncompatibilities (joined).
	Message string
	// At is when the event was produced.
	At time.Time
}

// Emitter is the narrow interface the sync core depends on to publish
// progress; synccore.Core constructs a channel-backed Emitter and passes
// it into the Executor at construction.
type Emitter interface {
	Emit(Event)
}

// ChannelEmitter adapts a `chan Event` to the Emitter interface. Sends
// are non-blocking: a subscriber that falls behind drops events rather
// than stalling synchronization, since progress is advisory.
type ChannelEmitter struct {
	C chan Event
}

// NewChannelEmitter creates an Emitter backed by a new buffered channel.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{C: make(chan Event, buffer)}
}

// Emit implements Emitter.
func (e *ChannelEmitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.C <- ev:
	default:
	}
}

// Close closes the underlying channel. Subsequent Emit calls will panic,
// matching Go channel semantics; callers should stop emitting before
// closing. Neither the Executor nor synccore.Core calls Close.
func (e *ChannelEmitter) Close() {
	close(e.C)
}
