// Package checksum implements C2, the Checksum Service: it streams a
// local file and produces the base64-encoded MD5 content digest stored
// in a document's md5sum field, and it stabilizes a file (waits for its
// size and modification time to stop changing across two reads) before
// the Executor is allowed to digest it, so that a digest is never
// computed against a file that's still being written.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// chunkSize is the read buffer size used while streaming a file into the
// digest, keeping memory bounded regardless of file size.
const chunkSize = 1 << 20 // 1 MiB

// IoError wraps an I/O failure encountered while streaming a file, the
// common case being a file disappearing mid-digest. Callers classify it
// as transient and retry.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return "io error digesting " + e.Path + ": " + e.Err.Error()
}

func (e *IoError) Unwrap() error { return e.Err }

// Digest streams the file at absolutePath and returns its content digest
// as a base64-encoded MD5 sum, matching the Document.md5sum format.
func Digest(ctx context.Context, absolutePath string) (string, error) {
	f, err := os.Open(absolutePath)
	if err != nil {
		return "", &IoError{Path: absolutePath, Err: err}
	}
	defer f.Close()

	hasher := md5.New()
	buffer := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buffer)
		if n > 0 {
			if _, err := hasher.Write(buffer[:n]); err != nil {
				return "", &IoError{Path: absolutePath, Err: err}
			}
		}
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return "", &IoError{Path: absolutePath, Err: readErr}
		}
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// Snapshot is the pair of attributes compared across two stats to decide
// whether a file has stopped changing.
type Snapshot struct {
	Size    int64
	ModTime time.Time
}

// Stat takes a snapshot of a file's size and modification time.
func Stat(absolutePath string) (Snapshot, error) {
	info, err := os.Stat(absolutePath)
	if err != nil {
		return Snapshot{}, &IoError{Path: absolutePath, Err: err}
	}
	return Snapshot{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Stable waits up to interval*attempts for a file's size and mtime to
// stop changing across consecutive stats, returning true once two
// consecutive snapshots match. It is the Executor's guard against
// digesting a file that a writer still has open.
func Stable(ctx context.Context, absolutePath string, interval time.Duration, attempts int) (bool, error) {
	if attempts < 1 {
		return false, errors.New("attempts must be at least 1")
	}

	previous, err := Stat(absolutePath)
	if err != nil {
		return false, err
	}

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}

		current, err := Stat(absolutePath)
		if err != nil {
			return false, err
		}
		if current == previous {
			return true, nil
		}
		previous = current
	}

	return false, nil
}
