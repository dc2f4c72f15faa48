// Package memside provides an in-memory side.Side (and side.ChangeSource)
// fake: it lets the scenario tests in pkg/synccore exercise the full
// Merger+Executor pipeline deterministically, without a real filesystem
// or network.
package memside

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/side"
)

type node struct {
	isDir      bool
	content    []byte
	executable bool
	modTime    time.Time
	ino        uint64
	remoteID   string
	remoteRev  string
	trashed    bool
}

// Side is an in-memory fake of side.Side plus side.ChangeSource. It is
// safe for concurrent use.
type Side struct {
	which catalog.Side

	mu      sync.Mutex
	nodes   map[string]*node
	nextIno uint64
	nextRev int
	changes []side.RemoteChange
}

// New creates an empty in-memory side identifying itself as which.
func New(which catalog.Side) *Side {
	return &Side{which: which, nodes: make(map[string]*node)}
}

func (s *Side) Which() catalog.Side { return s.which }

func (s *Side) Stat(ctx context.Context, path string) (side.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok || n.trashed {
		return side.Info{}, side.ErrNotExist
	}
	return s.infoLocked(path, n), nil
}

func (s *Side) infoLocked(path string, n *node) side.Info {
	return side.Info{
		IsDir: n.isDir, Size: int64(len(n.content)), ModTime: n.modTime,
		Ino: n.ino, RemoteID: n.remoteID, RemoteRev: n.remoteRev,
		Executable: n.executable,
	}
}

func (s *Side) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok || n.trashed || n.isDir {
		return nil, side.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(n.content)), nil
}

func (s *Side) WriteFile(ctx context.Context, path string, content io.Reader, executable bool) (side.Info, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return side.Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, existed := s.nodes[path]
	if !existed {
		s.nextIno++
		n = &node{ino: s.nextIno}
		s.nodes[path] = n
	}
	n.content = data
	n.executable = executable
	n.modTime = time.Now()
	n.trashed = false
	s.bumpRemoteLocked(n)
	s.recordChangeLocked(path, n, false)

	return s.infoLocked(path, n), nil
}

func (s *Side) MkdirAll(ctx context.Context, path string) (side.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, existed := s.nodes[path]
	if !existed {
		s.nextIno++
		n = &node{isDir: true, ino: s.nextIno, modTime: time.Now()}
		s.nodes[path] = n
		s.bumpRemoteLocked(n)
		s.recordChangeLocked(path, n, false)
	}
	return s.infoLocked(path, n), nil
}

func (s *Side) Rename(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[oldPath]
	if !ok {
		return side.ErrNotExist
	}
	delete(s.nodes, oldPath)
	s.nodes[newPath] = n
	s.bumpRemoteLocked(n)
	s.recordChangeLocked(newPath, n, false)
	return nil
}

func (s *Side) Trash(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return side.ErrNotExist
	}
	n.trashed = true
	s.recordChangeLocked(path, n, true)
	return nil
}

func (s *Side) Restore(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return side.ErrNotExist
	}
	n.trashed = false
	s.recordChangeLocked(path, n, false)
	return nil
}

func (s *Side) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, path)
	return nil
}

func (s *Side) bumpRemoteLocked(n *node) {
	s.nextRev++
	n.remoteRev = strconv.Itoa(s.nextRev)
	if n.remoteID == "" {
		n.remoteID = strconv.Itoa(s.nextRev) + "-id"
	}
}

func (s *Side) recordChangeLocked(path string, n *node, deleted bool) {
	s.changes = append(s.changes, side.RemoteChange{
		RemoteID: n.remoteID, Path: path, Rev: n.remoteRev,
		IsDir: n.isDir, Size: int64(len(n.content)), Deleted: deleted,
	})
}

// ListChanges implements side.ChangeSource over the synthetic change
// log accumulated by the mutators above.
func (s *Side) ListChanges(ctx context.Context, since uint64) (side.ChangeBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since >= uint64(len(s.changes)) {
		return side.ChangeBatch{LastSeq: uint64(len(s.changes))}, nil
	}
	batch := make([]side.RemoteChange, len(s.changes)-int(since))
	copy(batch, s.changes[since:])
	sort.SliceStable(batch, func(i, j int) bool { return len(batch[i].Path) < len(batch[j].Path) })
	return side.ChangeBatch{Changes: batch, LastSeq: uint64(len(s.changes))}, nil
}

// Paths returns every non-trashed path currently stored, for test
// assertions against an expected tree shape.
func (s *Side) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p, n := range s.nodes {
		if !n.trashed {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// TrashedPaths returns every trashed path, for test assertions.
func (s *Side) TrashedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p, n := range s.nodes {
		if n.trashed {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

var (
	_ side.Side         = (*Side)(nil)
	_ side.ChangeSource = (*Side)(nil)
)
