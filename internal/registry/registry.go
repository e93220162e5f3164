// Package registry implements the process-wide DeviceRegistry (§4.5):
// the device-identifier-to-DeviceSession map, session creation and
// config-mismatch rebuild, and reentrancy-guarded idle eviction.
// Grounded on the teacher's process-wide webmonitor state for the
// singleton-map-plus-mutex shape, generalized to own session lifecycle
// instead of a single shared stream.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/broadcaster"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/browser"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/device"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/logger"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

// Registry is the process-wide device map. A Registry is constructed
// once at startup and threaded through the HTTP/transport layer, per
// the "Process-wide state" redesign flag (§9) -- it replaces what the
// source kept as package-level singletons.
type Registry struct {
	ctrl          browser.Controller
	bcast         *broadcaster.Broadcaster
	m             *metrics.Metrics
	reducedMotion bool

	mu       sync.Mutex
	sessions map[string]*device.Session
	idLocks  map[string]*sync.Mutex

	cleaning atomic.Bool
}

// New constructs an empty Registry bound to the given browser controller
// and broadcaster.
func New(ctrl browser.Controller, bcast *broadcaster.Broadcaster, m *metrics.Metrics, reducedMotion bool) *Registry {
	return &Registry{
		ctrl:          ctrl,
		bcast:         bcast,
		m:             m,
		reducedMotion: reducedMotion,
		sessions:      make(map[string]*device.Session),
		idLocks:       make(map[string]*sync.Mutex),
	}
}

// idLock returns the per-device-id mutex that serializes
// EnsureDevice/Destroy sequences for id, creating it on first use. The
// registry map itself stays guarded by the short-lived mu; this lock
// instead spans the whole check-then-act rebuild so two concurrent
// reconnects for the same id cannot both observe a stale session and
// each build a replacement, leaking one (§4.5, §5: "a single guard
// suffices since operations are short" -- here scoped per id so
// unrelated devices still progress in parallel).
// idLocks entries are never removed: deleting one while a caller might
// still hold it would let a concurrent idLock(id) mint a second, unrelated
// mutex for the same id and defeat the exclusion. One mutex per distinct
// device id ever seen is an acceptable, bounded-in-practice cost.
func (r *Registry) idLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.idLocks[id] = l
	}
	return l
}

// EnsureDevice returns the session for id, creating it if absent or
// rebuilding it if cfg or url differs from the existing session's
// configuration or URL. A rebuilt or newly created session latches a
// full-frame request; a reused session with a matching config also
// latches one, since EnsureDevice is also the "a client joined" signal.
func (r *Registry) EnsureDevice(ctx context.Context, id, url string, cfg types.DeviceConfig) (*device.Session, error) {
	lock := r.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing := r.sessions[id]
	r.mu.Unlock()

	if existing != nil && existing.Config().Equal(cfg) && existing.URL() == url {
		existing.RequestFullFrame()
		return existing, nil
	}

	if existing != nil {
		existing.Destroy(ctx)
	}

	s, err := device.New(ctx, id, url, cfg, r.ctrl, r.bcast, r.m, r.reducedMotion, func() { r.unregister(id) })
	if err != nil {
		return nil, fmt.Errorf("registry: ensure device %s: %w", id, err)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.m.ConnectedDevices.Add(1)

	return s, nil
}

// Broadcaster returns the broadcaster backing this registry's sessions,
// so the HTTP layer can add/remove client connections directly.
func (r *Registry) Broadcaster() *broadcaster.Broadcaster { return r.bcast }

// Get returns the session for id, if any.
func (r *Registry) Get(id string) (*device.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the current device identifiers, for status reporting.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// unregister removes id from the map if present. Idempotent: a second
// call (e.g. from a concurrent CleanupIdle racing an explicit destroy)
// is a no-op, since device.Session.Destroy itself is sync.Once-guarded
// and only ever invokes this callback once.
func (r *Registry) unregister(id string) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if existed {
		r.m.ConnectedDevices.Add(^uint64(0))
	}
}

// CleanupIdle destroys every session whose LastActiveMs is older than
// ttl. Concurrent invocations do not overlap: a run already in progress
// causes a later call to return immediately.
func (r *Registry) CleanupIdle(ctx context.Context, ttl time.Duration) {
	if !r.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer r.cleaning.Store(false)

	cutoff := time.Now().Add(-ttl).UnixMilli()

	r.mu.Lock()
	staleIDs := make([]string, 0)
	for id, s := range r.sessions {
		if s.LastActiveMs() < cutoff {
			staleIDs = append(staleIDs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range staleIDs {
		lock := r.idLock(id)
		lock.Lock()

		r.mu.Lock()
		s, ok := r.sessions[id]
		r.mu.Unlock()

		// Re-check staleness under the id lock: a concurrent EnsureDevice
		// may have rebuilt or touched this session since the scan above.
		if ok && s.LastActiveMs() < cutoff {
			s.Destroy(ctx)
			r.m.IdleSessionsEvicted.Add(1)
			logger.Info("Registry", "evicted idle device session")
		}
		lock.Unlock()
	}
}

// Shutdown destroys every session, for graceful process shutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*device.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Destroy(ctx)
	}
}
