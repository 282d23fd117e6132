package access

import (
	"context"
	"sync"
	"time"

	"farmtrace.org/internal/obs"
)

// Syncer pushes an actor's role snapshot to an external registry (the
// on-chain role mirror). Implementations must be idempotent: the reconciler
// delivers at least once and may redeliver after transient failures.
type Syncer interface {
	SyncRoles(ctx context.Context, actorID string, roles []RoleName) error
}

type syncJob struct {
	actorID string
	roles   []RoleName
}

// Reconciler is the best-effort background role sync. It is deliberately
// decoupled from the database state change: a failed sync never rolls back a
// grant, it just retries later.
type Reconciler struct {
	syncer   Syncer
	attempts int
	backoff  time.Duration

	queue chan syncJob
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewReconciler builds a reconciler with a bounded queue.
func NewReconciler(syncer Syncer) *Reconciler {
	return &Reconciler{
		syncer:   syncer,
		attempts: 5,
		backoff:  2 * time.Second,
		queue:    make(chan syncJob, 256),
		stop:     make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains nothing and returns after the loop exits; queued jobs that were
// not yet delivered are dropped, which is acceptable for a best-effort sync.
func (r *Reconciler) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Enqueue submits a role snapshot without blocking the caller. When the queue
// is full the job is dropped and counted; the next successful change for the
// actor carries the full snapshot anyway.
func (r *Reconciler) Enqueue(actorID string, roles []RoleName) {
	snapshot := make([]RoleName, len(roles))
	copy(snapshot, roles)
	select {
	case r.queue <- syncJob{actorID: actorID, roles: snapshot}:
	default:
		obs.LogRequest(map[string]any{
			"level":    "warn",
			"msg":      "role sync queue full, dropping job",
			"actor_id": actorID,
		})
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case job := <-r.queue:
			r.deliver(job)
		}
	}
}

func (r *Reconciler) deliver(job syncJob) {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.syncer.SyncRoles(ctx, job.actorID, job.roles)
		cancel()
		if err == nil {
			return
		}
		obs.LogRequest(map[string]any{
			"level":    "warn",
			"msg":      "role sync attempt failed",
			"actor_id": job.actorID,
			"attempt":  attempt,
			"error":    err.Error(),
		})
		select {
		case <-r.stop:
			return
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	obs.LogRequest(map[string]any{
		"level":    "error",
		"msg":      "role sync gave up",
		"actor_id": job.actorID,
	})
}
