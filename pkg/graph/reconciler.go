package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Source is the part of lamp.Store the reconciler reads from.
type Source interface {
	ListLamps(ctx context.Context) ([]lamp.Lamp, error)
	ListEdges(ctx context.Context) ([]lamp.Edge, error)
	Subscribe(onChange func()) (lamp.Subscription, error)
}

// Reconciler keeps a Cache in step with a Source. Change notifications are
// coalesced: while a fetch is in flight any number of notifications collapse
// into exactly one follow-up fetch.
type Reconciler struct {
	source Source
	cache  *Cache
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	ctx      context.Context
	inFlight bool
	pending  bool
	version  uint64

	fetches atomic.Int64
}

func NewReconciler(source Source, cache *Cache, logger *zap.Logger) *Reconciler {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		source: source,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    context.Background(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Cache returns the cache this reconciler feeds.
func (r *Reconciler) Cache() *Cache {
	return r.cache
}

// Fetches returns how many full re-fetches have been attempted.
func (r *Reconciler) Fetches() int64 {
	return r.fetches.Load()
}

// Start subscribes to the source and hydrates the cache. The subscription
// is cancelled when ctx is done. A failed hydration leaves the cache stale
// and is retried on the next notification.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	sub, err := r.source.Subscribe(r.Notify)
	if err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	go func() {
		<-ctx.Done()
		sub.Cancel()
	}()

	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial hydration failed", zap.Error(err))
	}
	return nil
}

// Notify marks the cache stale and schedules a re-fetch. It never blocks.
func (r *Reconciler) Notify() {
	r.mu.Lock()
	r.cache.markStale()
	if r.inFlight {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	ctx := r.ctx
	r.mu.Unlock()

	go r.run(ctx)
}

// Refresh performs a synchronous full re-fetch, waiting for any in-flight
// fetch to finish first.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	for r.inFlight {
		r.cond.Wait()
	}
	r.inFlight = true
	r.mu.Unlock()

	return r.run(ctx)
}

// Wait blocks until no fetch is in flight or pending.
func (r *Reconciler) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.inFlight {
		r.cond.Wait()
	}
}

// run fetches until no notification arrived during the last fetch. The
// caller must have set inFlight.
func (r *Reconciler) run(ctx context.Context) error {
	for {
		snap, err := r.fetch(ctx)

		r.mu.Lock()
		again := r.pending
		r.pending = false
		if err == nil {
			r.cache.publish(snap, !again)
		}
		if !again {
			r.inFlight = false
			r.cond.Broadcast()
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
	}
}

func (r *Reconciler) fetch(ctx context.Context) (*Snapshot, error) {
	r.fetches.Add(1)

	lamps, err := r.source.ListLamps(ctx)
	if err != nil {
		r.logger.Warn("lamp fetch failed, keeping previous snapshot", zap.Error(err))
		return nil, fmt.Errorf("list lamps: %w", err)
	}
	edges, err := r.source.ListEdges(ctx)
	if err != nil {
		r.logger.Warn("edge fetch failed, keeping previous snapshot", zap.Error(err))
		return nil, fmt.Errorf("list edges: %w", err)
	}

	r.mu.Lock()
	r.version++
	v := r.version
	r.mu.Unlock()

	r.logger.Debug("graph refreshed",
		zap.Int("lamps", len(lamps)),
		zap.Int("edges", len(edges)),
		zap.Uint64("version", v),
	)

	return &Snapshot{
		Lamps:     lamps,
		Edges:     edges,
		Version:   v,
		FetchedAt: r.now(),
	}, nil
}
