package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

const (
	DefaultShellIdle     = 30 * time.Minute
	DefaultClusterIdle   = 60 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Options configures an InMemoryRegistry
type Options struct {
	ShellIdle     time.Duration
	ClusterIdle   time.Duration
	SweepInterval time.Duration

	// OnEvict is called after a handle has been closed and forgotten
	OnEvict func(Eviction)
	// Now overrides the clock in tests
	Now func() time.Time
	Log logrus.FieldLogger
}

// InMemoryRegistry implements Registry with a mutex-guarded map. Handles
// are closed outside the lock; an entry being closed is marked so that a
// concurrent Lookup fails instead of returning a dying handle.
type InMemoryRegistry struct {
	entries map[string]*entry
	mutex   sync.Mutex
	opts    Options
	log     logrus.FieldLogger
}

type entry struct {
	id         string
	kind       types.SessionKind
	handle     Handle
	label      string
	createdAt  time.Time
	lastUsedAt time.Time
	closing    bool
}

var (
	_ Registry  = (*InMemoryRegistry)(nil)
	_ Lifecycle = (*InMemoryRegistry)(nil)
)

// NewInMemoryRegistry creates an empty registry
func NewInMemoryRegistry(opts Options) *InMemoryRegistry {
	if opts.ShellIdle <= 0 {
		opts.ShellIdle = DefaultShellIdle
	}
	if opts.ClusterIdle <= 0 {
		opts.ClusterIdle = DefaultClusterIdle
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &InMemoryRegistry{
		entries: make(map[string]*entry),
		opts:    opts,
		log:     log.WithField("component", "session-registry"),
	}
}

// Register stores a handle and returns its session ID
func (r *InMemoryRegistry) Register(kind types.SessionKind, handle Handle, label string) string {
	now := r.opts.Now()
	id := uuid.NewString()

	r.mutex.Lock()
	r.entries[id] = &entry{
		id:         id,
		kind:       kind,
		handle:     handle,
		label:      label,
		createdAt:  now,
		lastUsedAt: now,
	}
	r.mutex.Unlock()

	metrics.SessionsActive.WithLabelValues(string(kind)).Inc()
	r.log.WithFields(logrus.Fields{"session_id": id, "kind": kind, "label": label}).Info("Session registered")

	return id
}

// Lookup returns the handle and refreshes last-used time
func (r *InMemoryRegistry) Lookup(id string, kind types.SessionKind) (Handle, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, exists := r.entries[id]
	if !exists || e.closing || e.kind != kind {
		return nil, apperr.NewWithContext(apperr.CodeNotFound, string(kind)+" session not found or expired",
			map[string]any{"session_id": id})
	}

	e.lastUsedAt = r.opts.Now()
	return e.handle, nil
}

// Touch refreshes last-used time
func (r *InMemoryRegistry) Touch(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if e, exists := r.entries[id]; exists && !e.closing {
		e.lastUsedAt = r.opts.Now()
	}
}

// Remove closes and evicts a session
func (r *InMemoryRegistry) Remove(id string, kind types.SessionKind) error {
	r.mutex.Lock()
	e, exists := r.entries[id]
	if !exists || e.closing || e.kind != kind {
		r.mutex.Unlock()
		return apperr.NewWithContext(apperr.CodeNotFound, string(kind)+" session not found",
			map[string]any{"session_id": id})
	}
	e.closing = true
	r.mutex.Unlock()

	r.evict(e, "removed", 0)
	return nil
}

// List returns live sessions ordered by creation time
func (r *InMemoryRegistry) List() []types.SessionSummary {
	r.mutex.Lock()
	snapshot := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.closing {
			snapshot = append(snapshot, *e)
		}
	}
	r.mutex.Unlock()

	now := r.opts.Now()
	summaries := make([]types.SessionSummary, 0, len(snapshot))
	for _, e := range snapshot {
		age := now.Sub(e.createdAt)
		summaries = append(summaries, types.SessionSummary{
			ID:         e.id,
			Kind:       e.kind,
			Label:      e.label,
			Connected:  e.handle.Connected(),
			CreatedAt:  e.createdAt,
			LastUsedAt: e.lastUsedAt,
			Age:        age,
			AgeSeconds: int64(age.Seconds()),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})

	return summaries
}

// Sweep evicts sessions idle past their kind's threshold, and sessions
// whose connection has already dropped. It returns the number evicted.
func (r *InMemoryRegistry) Sweep(now time.Time) int {
	type victim struct {
		e       *entry
		reason  string
		idleFor time.Duration
	}

	r.mutex.Lock()
	var victims []victim
	for _, e := range r.entries {
		if e.closing {
			continue
		}
		idleFor := now.Sub(e.lastUsedAt)
		switch {
		case idleFor > r.idleLimit(e.kind):
			e.closing = true
			victims = append(victims, victim{e, "idle", idleFor})
		case !e.handle.Connected():
			e.closing = true
			victims = append(victims, victim{e, "disconnected", idleFor})
		}
	}
	r.mutex.Unlock()

	for _, v := range victims {
		r.evict(v.e, v.reason, v.idleFor)
	}

	return len(victims)
}

// Start runs the sweep on a fixed interval until ctx is cancelled
func (r *InMemoryRegistry) Start(ctx context.Context) {
	go r.cleanupLoop(ctx)
}

func (r *InMemoryRegistry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.opts.Now()); n > 0 {
				r.log.WithField("evicted", n).Info("Idle sessions swept")
			}
		}
	}
}

// CloseAll closes every handle in parallel, for process shutdown
func (r *InMemoryRegistry) CloseAll(ctx context.Context) error {
	r.mutex.Lock()
	var all []*entry
	for _, e := range r.entries {
		if !e.closing {
			e.closing = true
			all = append(all, e)
		}
	}
	r.mutex.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, e := range all {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.evict(e, "shutdown", 0)
			return nil
		})
	}

	return g.Wait()
}

func (r *InMemoryRegistry) idleLimit(kind types.SessionKind) time.Duration {
	if kind == types.SessionCluster {
		return r.opts.ClusterIdle
	}
	return r.opts.ShellIdle
}

// evict closes the handle outside the lock, then deletes the entry
func (r *InMemoryRegistry) evict(e *entry, reason string, idleFor time.Duration) {
	closeErr := e.handle.Close()

	r.mutex.Lock()
	delete(r.entries, e.id)
	r.mutex.Unlock()

	metrics.SessionsActive.WithLabelValues(string(e.kind)).Dec()
	metrics.SessionEvictions.WithLabelValues(string(e.kind), reason).Inc()

	log := r.log.WithFields(logrus.Fields{
		"session_id": e.id,
		"kind":       e.kind,
		"label":      e.label,
		"reason":     reason,
	})
	if closeErr != nil {
		log.WithError(closeErr).Warn("Session handle close failed")
	} else {
		log.Info("Session evicted")
	}

	if r.opts.OnEvict != nil {
		r.opts.OnEvict(Eviction{
			ID:       e.id,
			Kind:     e.kind,
			Label:    e.label,
			Reason:   reason,
			IdleFor:  idleFor,
			CloseErr: closeErr,
		})
	}
}
