// Package registry owns the pool of in-flight tasks. It admits new work at
// any time, deduplicates by (kind, key), and blocks shutdown until every
// transitively submitted task has reached a terminal state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pushl/internal/telemetry"
)

// Kind names a class of task. Keys are unique within a kind.
type Kind string

// Task kinds submitted by the engine.
const (
	KindFeed       Kind = "feed"
	KindEntry      Kind = "entry"
	KindWebSub     Kind = "websub-ping"
	KindWebmention Kind = "webmention-ping"
	KindWayback    Kind = "wayback-save"
)

// Registry tracks submitted tasks. At most one task per (kind, key) exists
// for the lifetime of a run; a second submit for the same key is a no-op.
type Registry struct {
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu   sync.Mutex
	seen map[string]struct{}
	wg   sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	stopped   atomic.Bool
}

// New creates an empty Registry.
func New(log *zap.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		seen:    make(map[string]struct{}),
	}
}

// Submit admits fn as a task of the given kind and key. It returns true if
// the task was admitted, false if a task with the same (kind, key) already
// ran this process or admission has been stopped. Submit never blocks on
// other work; a running task may submit freely.
func (r *Registry) Submit(ctx context.Context, kind Kind, key string, fn func(context.Context) error) bool {
	if r.stopped.Load() {
		r.log.Debug("submission refused, registry stopped",
			zap.String("kind", string(kind)), zap.String("key", key))
		return false
	}

	id := string(kind) + "\x00" + key
	r.mu.Lock()
	if _, dup := r.seen[id]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[id] = struct{}{}
	// Count and Add inside the lock so a completing parent's Done can never
	// be observed before the child it just submitted.
	r.submitted.Add(1)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, kind, key, fn)
	return true
}

func (r *Registry) run(ctx context.Context, kind Kind, key string, fn func(context.Context) error) {
	defer r.wg.Done()
	defer r.completed.Add(1)

	err := r.invoke(ctx, fn)
	switch {
	case err != nil:
		r.failed.Add(1)
		r.metrics.ObserveTask(string(kind), "failed")
		r.log.Warn("task failed",
			zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
	default:
		r.metrics.ObserveTask(string(kind), "ok")
		r.log.Debug("task done",
			zap.String("kind", string(kind)), zap.String("key", key))
	}
}

// invoke runs fn, converting a panic into a task failure so one bad parse
// cannot take down peer tasks.
func (r *Registry) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Stop halts admission of new tasks. In-flight tasks are left to finish.
func (r *Registry) Stop() {
	r.stopped.Store(true)
}

// Wait blocks until every submitted task, including those submitted by
// running tasks, has reached a terminal state.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Submitted is the count of admitted tasks.
func (r *Registry) Submitted() int64 { return r.submitted.Load() }

// Completed is the count of tasks that reached a terminal state.
func (r *Registry) Completed() int64 { return r.completed.Load() }

// Failures is the count of tasks that ended in failure.
func (r *Registry) Failures() int64 { return r.failed.Load() }
