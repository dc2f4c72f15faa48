// Package synccore wires the catalog, watchers, merger, executor, and
// Side capabilities into the single orchestration handle a shell
// embeds. Core owns every piece of mutable state itself -- no
// package-level variables.
package synccore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/executor"
	"github.com/cozy-labs/synccore/pkg/localwatch"
	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/merger"
	"github.com/cozy-labs/synccore/pkg/pathlock"
	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/progress"
	"github.com/cozy-labs/synccore/pkg/remotewatch"
	"github.com/cozy-labs/synccore/pkg/side/local"
	"github.com/cozy-labs/synccore/pkg/side/remote"
	"github.com/cozy-labs/synccore/pkg/state"
	"github.com/cozy-labs/synccore/pkg/syncconfig"
)

// notificationCoalesceWindow groups bursts of executor progress events
// into a single long-poll wakeup instead of notifying WaitForChange
// callers once per file.
const notificationCoalesceWindow = 200 * time.Millisecond

// Usage reports the remote-reported storage consumption and quota
// returned by DiskUsage.
type Usage struct {
	Used  int64
	Quota int64
}

// Credentials is returned by Register once OAuth onboarding with the
// remote has completed.
type Credentials struct {
	Token string
}

// Core is the orchestration handle: it owns the catalog, both watchers,
// the merger, the executor, and the progress/history plumbing, and
// exposes the command surface a shell drives.
type Core struct {
	config *syncconfig.Config
	logger *logging.Logger

	store   catalog.Store
	localS  *local.Local
	remoteS *remote.Remote
	locks   *pathlock.Table
	merger  *merger.Merger

	localWatch  *localwatch.Watcher
	remoteWatch *remotewatch.Watcher
	exec        *executor.Executor

	emitter   *progress.ChannelEmitter
	history   *progress.History
	tracker   *state.Tracker
	coalescer *state.Coalescer
	scanned   state.Marker

	mu      *state.TrackingLock
	cancel  context.CancelFunc
	running bool
}

// New constructs a Core from cfg but does not start synchronizing; call
// Start for that. token authenticates the remote Side, having already
// been obtained via a prior Register call (or loaded from persisted
// credentials by the caller).
func New(cfg *syncconfig.Config, token string, logger *logging.Logger) (*Core, error) {
	if logger == nil {
		logger = logging.RootLogger
	}
	if token == "" && cfg.OAuthClientID != "" {
		return nil, ErrNotRegistered
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "synccore: creating state directory")
	}

	store, err := catalog.Open(context.Background(), "file:"+filepath.Join(cfg.StateDir, "catalog.db"))
	if err != nil {
		return nil, errors.Wrap(err, "synccore: opening catalog")
	}

	localS, err := local.New(cfg.SyncRoot)
	if err != nil {
		store.Close()
		return nil, err
	}
	remoteS, err := remote.New(cfg.RemoteURL, token)
	if err != nil {
		store.Close()
		return nil, err
	}

	locks := pathlock.New()
	m := merger.New(store, locks, pathnorm.Current)

	var ignorer *pathnorm.Ignorer
	if cfg.IgnoreFile != "" {
		f, err := os.Open(cfg.IgnoreFile)
		if err != nil && !os.IsNotExist(err) {
			store.Close()
			return nil, errors.Wrap(err, "synccore: opening ignore file")
		}
		if err == nil {
			defer f.Close()
			ignorer, err = pathnorm.ParseIgnoreFile(f)
			if err != nil {
				store.Close()
				return nil, errors.Wrap(err, "synccore: parsing ignore file")
			}
		}
	}

	history, err := progress.LoadHistory(filepath.Join(cfg.StateDir, "history.json"))
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "synccore: loading progress history")
	}
	emitter := progress.NewChannelEmitter(256)

	lw := localwatch.New(cfg.SyncRoot, localS, m, store, pathnorm.Current, ignorer, logger.Sublogger("localwatch"))
	if cfg.AggregationMinWindow > 0 {
		lw.MinWindow = cfg.AggregationMinWindow
	}
	if cfg.AggregationMaxWindow > 0 {
		lw.MaxWindow = cfg.AggregationMaxWindow
	}

	cursor := remotewatch.NewCursorStore(filepath.Join(cfg.StateDir, "cursor.json"))
	rw := remotewatch.New(remoteS, m, store, cursor, emitter, logger.Sublogger("remotewatch"))
	if cfg.RemotePollInterval > 0 {
		rw.PollInterval = cfg.RemotePollInterval
	}

	ex := executor.New(store, localS, remoteS, locks, emitter, history, logger.Sublogger("executor"))
	if cfg.ExecutorConcurrency > 0 {
		ex.Concurrency = cfg.ExecutorConcurrency
	}
	if cfg.MaxRetryAttempts > 0 {
		ex.MaxAttempts = cfg.MaxRetryAttempts
	}

	tracker := state.NewTracker()
	coalescer := state.NewCoalescer(notificationCoalesceWindow)
	ex.OnChange = coalescer.Strobe

	return &Core{
		config: cfg, logger: logger,
		store: store, localS: localS, remoteS: remoteS, locks: locks, merger: m,
		localWatch: lw, remoteWatch: rw, exec: ex,
		emitter: emitter, history: history, tracker: tracker, coalescer: coalescer,
		mu: state.NewTrackingLock(tracker),
	}, nil
}

// Progress returns the channel the shell consumes progress events from.
func (c *Core) Progress() <-chan progress.Event {
	return c.emitter.C
}

// History returns the persisted "last-files" entries.
func (c *Core) History() []progress.Entry {
	return c.history.Entries()
}

// Start performs the initial scan and launches the two watchers and the
// executor, returning once they are running; it returns ErrAlreadyRunning
// if called twice without an intervening Stop.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.UnlockWithoutNotify()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock() // notifies anyone long-polling status that a run has started

	if err := c.localWatch.InitialScan(runCtx); err != nil {
		return errors.Wrap(err, "synccore: initial scan")
	}
	c.scanned.Mark()
	c.tracker.NotifyOfChange()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return c.localWatch.Run(groupCtx) })
	group.Go(func() error { return c.remoteWatch.Run(groupCtx) })
	group.Go(func() error { return c.exec.Run(groupCtx) })

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-c.coalescer.Events():
				c.tracker.NotifyOfChange()
			}
		}
	}()

	go func() {
		if err := group.Wait(); err != nil && errors.Cause(err) != context.Canceled {
			c.logger.Error(errors.Wrap(err, "synccore: component halted"))
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	return nil
}

// Stop cancels every running component and waits for the catalog to
// close cleanly. It is safe to call even if Start was never called.
func (c *Core) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.UnlockWithoutNotify()
	if cancel != nil {
		cancel()
	}
	c.coalescer.Terminate()
	return c.store.Close()
}

// InitialScanComplete reports whether Start's InitialScan has finished
// at least once, so a shell can distinguish "still doing the first
// pass" from "caught up" before any progress events have arrived.
func (c *Core) InitialScanComplete() bool {
	return c.scanned.Marked()
}

// WaitForChange blocks until the core's running state or initial scan
// completion has changed, or a coalesced burst of executor progress
// events has arrived, since previousIndex, or ctx is canceled. Pass 0 to read the current index immediately
// without waiting. It is the long-poll primitive a shell's status
// command builds on instead of re-querying on a fixed interval.
func (c *Core) WaitForChange(ctx context.Context, previousIndex uint64) (uint64, error) {
	return c.tracker.WaitForChange(ctx, previousIndex)
}

// FullSynchronize performs one InitialScan against the local tree,
// re-materializing any discrepancy against the catalog as synthetic
// events, without starting the continuous watchers.
func (c *Core) FullSynchronize(ctx context.Context) error {
	return c.localWatch.InitialScan(ctx)
}

// DiskUsage reports the remote's storage consumption and quota.
func (c *Core) DiskUsage(ctx context.Context) (Usage, error) {
	used, quota, err := c.remoteS.DiskUsage(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Used: used, Quota: quota}, nil
}

// Unlink stops the core and forgets all local sync state, so a
// subsequent Register/Start pair starts from a clean slate.
func (c *Core) Unlink() error {
	if err := c.Stop(); err != nil {
		return err
	}
	return os.RemoveAll(c.config.StateDir)
}
