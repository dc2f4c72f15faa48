package progress

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"
)

// historyCap bounds the persisted progress history.
const historyCap = 250

// Entry is one persisted "last-files" record.
type Entry struct {
	Path    string    `json:"path"`
	Kind    string    `json:"kind"`
	Updated time.Time `json:"updated"`
}

// History is a capped, disk-backed ring of recent progress entries used
// to repopulate the UI on restart.
type History struct {
	mu      sync.Mutex
	path    string
	entries []Entry
}

// LoadHistory reads a history file if present; a missing file is not an
// error and yields an empty History.
func LoadHistory(path string) (*History, error) {
	h := &History{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	} else if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &h.entries); err != nil {
		return nil, err
	}
	return h, nil
}

// Record appends an entry (most recent first), trims to historyCap, and
// flushes to disk.
func (h *History) Record(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]Entry{e}, h.entries...)
	sort.SliceStable(h.entries, func(i, j int) bool {
		return h.entries[i].Updated.After(h.entries[j].Updated)
	})
	if len(h.entries) > historyCap {
		h.entries = h.entries[:historyCap]
	}

	return h.flushLocked()
}

// Entries returns a copy of the current history, most recent first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) flushLocked() error {
	if h.path == "" {
		return nil
	}
	data, err := json.Marshal(h.entries)
	if err != nil {
		return err
	}
	return os.WriteFile(h.path, data, 0o644)
}

// RecordFromEvent translates a progress Event into a History entry when
// the event kind represents user-visible, completed work on a file.
func RecordFromEvent(h *History, ev Event) error {
	if ev.Path == "" {
		return nil
	}
	switch ev.Kind {
	case KindTransferCopy, KindTransferMove, KindDeleteFile:
		return h.Record(Entry{Path: ev.Path, Kind: ev.Kind.String(), Updated: ev.At})
	default:
		return nil
	}
}
