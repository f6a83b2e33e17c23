// Package syncer replays a terminal's offline mutation queue against the
// backend once connectivity returns. Replay is strictly FIFO: per-check
// causal order must hold, and a backing-off head blocks the pass rather
// than letting later entries overtake it.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/replica"
)

// Backend applies one queued entry to the authoritative store. The
// service facade, wrapped in a ServiceBackend, is the production
// implementation.
type Backend interface {
	Apply(ctx context.Context, e replica.Entry) error
}

// Reconciler drains the sync queue.
type Reconciler struct {
	queue   *replica.Replica
	backend Backend
	log     *logging.Logger

	batchSize   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	now         func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithBackoff sets the exponential backoff window.
func WithBackoff(base, max time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.baseBackoff = base; r.maxBackoff = max }
}

// WithMaxAttempts sets the retry ceiling before an entry is parked dead.
func WithMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) { r.maxAttempts = n }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler builds a reconciler over the terminal queue.
func NewReconciler(queue *replica.Replica, backend Backend, log *logging.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		queue:       queue,
		backend:     backend,
		log:         log,
		batchSize:   100,
		baseBackoff: time.Second,
		maxBackoff:  5 * time.Minute,
		maxAttempts: 8,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Applied int
	Dropped int
	Dead    int
}

// RunPass drains the queue head-first. It stops at the first entry that
// is backing off or fails transiently; entries behind it must wait so
// causal order survives.
func (r *Reconciler) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	for {
		entries, err := r.queue.Pending(ctx, r.batchSize)
		if err != nil {
			return res, err
		}
		if len(entries) == 0 {
			return res, nil
		}
		progressed := false
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if !e.NextAttemptAt.IsZero() && e.NextAttemptAt.After(r.now()) {
				return res, nil
			}
			switch outcome, err := r.applyOne(ctx, e); outcome {
			case outcomeApplied:
				res.Applied++
				progressed = true
			case outcomeDropped:
				res.Dropped++
				progressed = true
			case outcomeDead:
				res.Dead++
				progressed = true
			case outcomeRetry:
				return res, nil
			default:
				return res, err
			}
		}
		if !progressed {
			return res, nil
		}
	}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDropped
	outcomeDead
	outcomeRetry
	outcomeError
)

func (r *Reconciler) applyOne(ctx context.Context, e replica.Entry) (outcome, error) {
	err := r.backend.Apply(ctx, e)
	if err == nil {
		if err := r.queue.MarkDone(ctx, e.Seq); err != nil {
			return outcomeError, err
		}
		return outcomeApplied, nil
	}

	if moot(err) {
		// The backend moved past this mutation while the terminal was
		// offline. Dropping it is the reconciliation, not a failure.
		r.log.Warn("sync_entry_dropped", logging.Fields{
			"seq": e.Seq, "op": e.Op, "check_id": e.CheckID.String(), "reason": err.Error(),
		})
		if err := r.queue.MarkDone(ctx, e.Seq); err != nil {
			return outcomeError, err
		}
		return outcomeDropped, nil
	}

	attempts := e.Attempts + 1
	if attempts >= r.maxAttempts {
		r.log.Error("sync_entry_dead", err, logging.Fields{
			"seq": e.Seq, "op": e.Op, "check_id": e.CheckID.String(), "attempts": attempts,
		})
		if derr := r.queue.MarkDead(ctx, e.Seq, err.Error()); derr != nil {
			return outcomeError, derr
		}
		return outcomeDead, nil
	}

	next := r.now().Add(r.backoff(attempts))
	if ferr := r.queue.MarkFailed(ctx, e.Seq, attempts, next, err.Error()); ferr != nil {
		return outcomeError, ferr
	}
	r.log.Warn("sync_entry_deferred", logging.Fields{
		"seq": e.Seq, "op": e.Op, "attempts": attempts, "next_attempt_at": next,
	})
	return outcomeRetry, nil
}

// backoff is base*2^(attempts-1) capped at max.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}

// Run drains on an interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			res, err := r.RunPass(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("sync_pass", err, nil)
			}
			if res.Applied > 0 || res.Dropped > 0 || res.Dead > 0 {
				r.log.Info("sync_pass_done", logging.Fields{
					"applied": res.Applied, "dropped": res.Dropped, "dead": res.Dead,
				})
			}
		}
	}
}

// moot reports whether the rejection means the mutation no longer matters:
// the entry is dropped, not retried. Malformed payloads and unknown checks
// are dropped too; an entry whose parent check never landed (its
// open_check went dead) can never succeed, so backing off on it only
// stalls the queue.
func moot(err error) bool {
	var cerr *check.ConflictError
	if errors.As(err, &cerr) {
		return cerr.Moot()
	}
	var nf *check.NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var verr *check.ValidationError
	return errors.As(err, &verr)
}
