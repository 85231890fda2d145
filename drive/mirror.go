package drive

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"hypertuna.dev/chk"
	"hypertuna.dev/log"
	"hypertuna.dev/relayerr"
)

// mirrorState is the idle->running->(idle|pending) state machine of
// spec.md §4.5.
type mirrorState int

const (
	stateIdle mirrorState = iota
	stateRunning
	statePending
)

// Mirror keeps the local drive subtree folder in sync with remoteKey's
// drive, per spec.md §4.5. Exactly one Mirror coroutine exists per
// (remoteKey, folder): spec.md §5's shared-resource rule forbids two
// concurrent runs for the same key while allowing different keys to mirror
// in parallel, enforced here by Manager.EnsureRemoteMirror's per-key
// singleton map.
type Mirror struct {
	remoteKey string
	folder    string

	store     *Store
	substrate PeerSubstrate

	mu     sync.Mutex
	state  mirrorState
	handle RemoteHandle
	topic  Topic

	cancelWatch context.CancelFunc
	stopped     bool
}

// Manager owns the singleton Mirror per (remoteKey, folder), per spec.md
// §4.5's "ensureRemoteMirror(remoteKey, folder) is idempotent per key".
type Manager struct {
	store     *Store
	substrate PeerSubstrate

	mu      sync.Mutex
	mirrors map[string]*Mirror
	g       *errgroup.Group
	gctx    context.Context
}

// NewManager constructs a Manager backed by store and substrate. ctx scopes
// every mirror coroutine the manager starts; cancelling it stops all
// mirrors, per spec.md §5's orderly-shutdown rule ("terminates mirror
// watchers").
func NewManager(ctx context.Context, store *Store, substrate PeerSubstrate) *Manager {
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{store: store, substrate: substrate, mirrors: map[string]*Mirror{}, g: g, gctx: gctx}
}

// EnsureRemoteMirror starts (or returns the existing) Mirror for
// (remoteKey, folder), per spec.md §4.5.
func (m *Manager) EnsureRemoteMirror(remoteKey, folder string) *Mirror {
	key := hashKey(remoteKey, folder)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mir, ok := m.mirrors[key]; ok {
		return mir
	}
	mir := &Mirror{remoteKey: remoteKey, folder: folder, store: m.store, substrate: m.substrate}
	m.mirrors[key] = mir
	m.g.Go(func() error {
		mir.start(m.gctx)
		return nil
	})
	return mir
}

// Stop releases every mirror the manager owns (watchers cancelled, topics
// released) and waits for their coroutines to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	mirrors := make([]*Mirror, 0, len(m.mirrors))
	for _, mir := range m.mirrors {
		mirrors = append(mirrors, mir)
	}
	m.mu.Unlock()
	for _, mir := range mirrors {
		mir.stop()
	}
	return m.g.Wait()
}

// start runs the mirror's steps 1-3 of spec.md §4.5, then blocks watching
// for remote changes until ctx is cancelled or stop() is called.
func (mir *Mirror) start(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	mir.mu.Lock()
	mir.cancelWatch = cancel
	mir.mu.Unlock()

	handle, err := mir.substrate.OpenDrive(watchCtx, mir.remoteKey)
	if chk.E(err) {
		return
	}
	topic, err := mir.substrate.JoinTopic(watchCtx, mir.remoteKey)
	if chk.E(err) {
		return
	}
	mir.mu.Lock()
	mir.handle, mir.topic = handle, topic
	mir.mu.Unlock()

	if err = handle.Update(watchCtx); chk.E(err) {
		return
	}

	mir.runOnce(watchCtx)

	changes, err := topic.Watch(watchCtx)
	if chk.E(err) {
		return
	}
	for {
		select {
		case <-watchCtx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			// Notifications that queued up while the previous run was
			// active are folded into this one run.
		drain:
			for {
				select {
				case _, ok = <-changes:
					if !ok {
						return
					}
				default:
					break drain
				}
			}
			mir.requestRun(watchCtx)
		}
	}
}

// requestRun implements spec.md §4.5 step 3's coalescing rule: a change
// while idle starts a run; a change while a run is already active sets
// exactly one pending follow-up.
func (mir *Mirror) requestRun(ctx context.Context) {
	mir.mu.Lock()
	switch mir.state {
	case stateIdle:
		mir.state = stateRunning
		mir.mu.Unlock()
		mir.runLoop(ctx)
		return
	case stateRunning:
		mir.state = statePending
	case statePending:
		// already coalesced; nothing to do
	}
	mir.mu.Unlock()
}

// runLoop runs the mirror until no pending follow-up remains, so that an
// arbitrary burst of change notifications during one run collapses into
// exactly one additional run, per spec.md §8 scenario 6.
func (mir *Mirror) runLoop(ctx context.Context) {
	for {
		mir.runOnce(ctx)
		mir.mu.Lock()
		if mir.state == statePending {
			mir.state = stateRunning
			mir.mu.Unlock()
			continue
		}
		mir.state = stateIdle
		mir.mu.Unlock()
		return
	}
}

// runOnce performs one diff-and-apply pass: list the remote subtree, write
// every changed or new entry locally, and prune local entries the remote
// no longer has, per spec.md §4.5 step 2's "prune=true" MirrorDrive-style
// diff.
func (mir *Mirror) runOnce(ctx context.Context) {
	mir.mu.Lock()
	handle := mir.handle
	mir.mu.Unlock()
	if handle == nil {
		return
	}
	entries, err := handle.List(ctx, mir.folder)
	if err != nil {
		log.W.F("drive: mirror %s/%s: list failed: %v", mir.remoteKey, mir.folder, relayerr.New(relayerr.MirrorError, err.Error(), err))
		return
	}

	remoteKeys := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		remoteKeys[e.Key] = struct{}{}
		if mir.store.equalContent(e.Key, e.Content) {
			continue
		}
		if _, err = mir.store.PutEntry(e.Key, e.Content); chk.E(err) {
			continue
		}
	}

	local, err := mir.store.ListEntries(mir.folder)
	if chk.E(err) {
		return
	}
	for key := range local {
		if _, stillPresent := remoteKeys[key]; stillPresent {
			continue
		}
		chk.E(mir.store.DeleteEntry(key))
	}
}

// stop cancels the watcher and releases the topic, per spec.md §4.5 step 4.
// The remote drive handle is deliberately left alone: it is not closed,
// since the underlying store is shared.
func (mir *Mirror) stop() {
	mir.mu.Lock()
	if mir.stopped {
		mir.mu.Unlock()
		return
	}
	mir.stopped = true
	cancel := mir.cancelWatch
	topic := mir.topic
	mir.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if topic != nil {
		chk.E(topic.Release())
	}
}
