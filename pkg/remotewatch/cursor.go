package remotewatch

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// CursorStore persists the remote sequence cursor across restarts, the
// same small on-disk-counter shape as progress.History's JSON flush.
type CursorStore struct {
	path string
}

// NewCursorStore constructs a CursorStore backed by the file at path.
func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

type cursorDocument struct {
	Seq uint64 `json:"seq"`
}

// Load reads the persisted cursor, returning 0 if no cursor has been
// saved yet.
func (c *CursorStore) Load() (uint64, error) {
	if c.path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "remotewatch: reading cursor file")
	}
	var doc cursorDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, errors.Wrap(err, "remotewatch: decoding cursor file")
	}
	return doc.Seq, nil
}

// Save durably persists seq. The caller must only call Save after a
// batch has been fully and successfully merged; on error the cursor
// stays where it was.
func (c *CursorStore) Save(seq uint64) error {
	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(cursorDocument{Seq: seq})
	if err != nil {
		return errors.Wrap(err, "remotewatch: encoding cursor file")
	}
	return os.WriteFile(c.path, data, 0o644)
}
