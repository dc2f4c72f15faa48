package executor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/progress"
	"github.com/cozy-labs/synccore/pkg/side"
)

// backoffSteps is the transient-failure retry ladder: exponential from
// 1s, capped at 5min.
var backoffSteps = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 64 * time.Second, 2 * time.Minute,
	4 * time.Minute, 5 * time.Minute,
}

const defaultMaxAttempts = 16

func (e *Executor) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return defaultMaxAttempts
}

type retryState struct {
	count       int
	nextAttempt time.Time
}

// retryTracker holds in-memory transient-failure state per document id.
// Attempt counts are kept out of catalog.Document to avoid bumping a
// document's Rev (which catalog.Store.Put does on every write) on every
// failed, content-unchanged retry.
type retryTracker struct {
	mu   sync.Mutex
	byID map[string]*retryState
}

func newRetryTracker() *retryTracker {
	return &retryTracker{byID: make(map[string]*retryState)}
}

func (t *retryTracker) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *retryTracker) readyAndCount(id string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return true, 0
	}
	return !time.Now().Before(st.nextAttempt), st.count
}

func (t *retryTracker) recordFailure(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		st = &retryState{}
		t.byID[id] = st
	}
	st.count++
	idx := st.count - 1
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	st.nextAttempt = time.Now().Add(backoffSteps[idx])
	return st.count
}

// parkTracker remembers documents that have been parked because of a
// permanent (Incompatible) failure, keyed by (id, rev) so that a
// subsequent revision of the same document -- e.g. the user renamed the
// offending path -- is retried rather than parked forever.
type parkTracker struct {
	mu  sync.Mutex
	ids map[string]uint64
}

func newParkTracker() *parkTracker {
	return &parkTracker{ids: make(map[string]uint64)}
}

func (p *parkTracker) park(id string, rev uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[id] = rev
}

func (p *parkTracker) unpark(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ids, id)
}

func (p *parkTracker) isParked(id string, rev uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	parkedRev, ok := p.ids[id]
	return ok && parkedRev == rev
}

func (e *Executor) readyForRetry(doc catalog.Document) bool {
	ready, _ := e.retries.readyAndCount(doc.ID)
	return ready
}

// handleFailure classifies err and decides whether to retry with
// backoff, park the document, or halt the executor entirely. A non-nil
// return value halts Run's loop.
func (e *Executor) handleFailure(ctx context.Context, doc catalog.Document, target catalog.Side, err error) error {
	class := side.Classify(err)

	if e.Logger != nil {
		e.Logger.Error(errors.Wrapf(err, "executor: %s (%s)", doc.Path, target))
	}

	switch class {
	case side.ClassTransient:
		count := e.retries.recordFailure(doc.ID)
		if count >= e.maxAttempts() {
			e.parked.park(doc.ID, doc.Rev)
			e.emit(progress.Event{Kind: progress.KindSyncError, Path: doc.Path, Message: "giving up after repeated failures: " + err.Error()})
		}
		return nil

	case side.ClassIncompatible:
		e.parked.park(doc.ID, doc.Rev)
		e.emit(progress.Event{Kind: progress.KindPlatformIncompatibilities, Path: doc.Path, Message: err.Error()})
		return nil

	case side.ClassConflict:
		// The Merger resolves every conflict before writing a dirty
		// document; a conflict error reaching the executor indicates a
		// bug upstream, not a recoverable runtime condition. Retry it
		// like a transient failure rather than silently dropping it.
		e.retries.recordFailure(doc.ID)
		return nil

	case side.ClassRevoked:
		e.emit(progress.Event{Kind: progress.KindRevoked, Message: "credentials revoked"})
		return errors.Wrap(err, "executor: revoked credentials")

	case side.ClassQuota:
		e.emit(progress.Event{Kind: progress.KindQuota, Message: "Cozy is full"})
		return errors.Wrap(err, "executor: quota exceeded")

	case side.ClassCorrupt:
		e.emit(progress.Event{Kind: progress.KindSyncError, Message: "metadata store corrupt"})
		return errors.Wrap(err, "executor: corrupt metadata store")

	default:
		e.retries.recordFailure(doc.ID)
		return nil
	}
}
