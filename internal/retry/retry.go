// Package retry implements RetryScheduler: per-message exponential
// backoff retry of outgoing sends, timer-driven rather than the
// teacher's poll loop since §4.6 specifies exact per-attempt delays
// rather than a fixed poll interval. The cleanup sweep keeps the
// teacher's ticker-loop shape (internal/node/retry_worker.go).
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

// EgressSender is the subset of Forwarder the RetryScheduler needs. A
// local interface avoids an import cycle between retry and forwarder.
type EgressSender interface {
	Egress(ctx context.Context, messageID string) (sent bool, err error)
}

// Events are the optional upstream notifications RetryScheduler fires.
type Events struct {
	OnMaxRetriesExceeded func(messageID string)
	OnRetrySucceeded     func(messageID string)
	OnRetryFailed        func(messageID string)
}

// Config holds the §6 backoff constants.
type Config struct {
	MaxRetryAttempts  int
	InitialRetryDelay time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
}

type entry struct {
	attempt  int
	nextTime time.Time
	timer    *time.Timer
}

// RetryScheduler holds per-message retry state and drives Forwarder's
// egress path on a backoff schedule. The state table is guarded by a
// mutex since timers fire from their own goroutines concurrently with
// calls coming off the forwarder executor (§5).
type RetryScheduler struct {
	store   *store.Store
	egress  EgressSender
	cfg     Config
	events  Events
	log     *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry

	ctx context.Context
}

// New builds a RetryScheduler. ctx bounds the lifetime of every
// scheduled timer callback.
func New(ctx context.Context, st *store.Store, egress EgressSender, cfg Config, events Events) *RetryScheduler {
	return &RetryScheduler{
		store:   st,
		egress:  egress,
		cfg:     cfg,
		events:  events,
		log:     logging.GetDefault().Component("retry"),
		entries: make(map[string]*entry),
		ctx:     ctx,
	}
}

// delay implements delay(k) = min(5000ms * 2^k, 300000ms) using the
// configured constants rather than hardcoding them, so DefaultTunables
// overrides still take effect.
func (r *RetryScheduler) delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialRetryDelay)
	for i := 0; i < attempt; i++ {
		d *= r.cfg.BackoffMultiplier
	}
	if time.Duration(d) > r.cfg.MaxRetryDelay {
		return r.cfg.MaxRetryDelay
	}
	return time.Duration(d)
}

// Schedule arranges a retry attempt for id. attempt is the number of
// attempts already made; reaching MaxRetryAttempts marks the message
// FAILED instead of scheduling another timer.
func (r *RetryScheduler) Schedule(id string, attempt int) {
	if attempt >= r.cfg.MaxRetryAttempts {
		r.mu.Lock()
		r.cancelLocked(id)
		r.mu.Unlock()
		if err := r.store.UpdateStatus(id, store.Failed); err != nil {
			r.log.Error("failed to mark message failed", "message_id", id, "error", err)
		}
		if r.events.OnMaxRetriesExceeded != nil {
			r.events.OnMaxRetriesExceeded(id)
		}
		return
	}

	d := r.delay(attempt)
	r.mu.Lock()
	r.cancelLocked(id)
	timer := time.AfterFunc(d, func() { r.execute(id, attempt+1) })
	r.entries[id] = &entry{attempt: attempt, nextTime: time.Now().Add(d), timer: timer}
	r.mu.Unlock()
}

// execute is the timer callback: it invokes the Forwarder's egress
// path and decides whether to mark success, fail outright on
// expiry, or reschedule.
func (r *RetryScheduler) execute(id string, attempt int) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		return
	}

	rec, err := r.store.GetMessage(id)
	if err != nil {
		r.log.Error("failed to load message for retry", "message_id", id, "error", err)
		return
	}
	if rec == nil {
		return
	}
	if time.Now().UnixMilli() > rec.TTL {
		if err := r.store.UpdateStatus(id, store.Failed); err != nil {
			r.log.Error("failed to mark expired message failed", "message_id", id, "error", err)
		}
		return
	}

	sent, err := r.egress.Egress(r.ctx, id)
	if err != nil {
		r.log.Debug("retry egress error", "message_id", id, "error", err)
	}
	if sent {
		if r.events.OnRetrySucceeded != nil {
			r.events.OnRetrySucceeded(id)
		}
		return
	}

	if r.events.OnRetryFailed != nil {
		r.events.OnRetryFailed(id)
	}
	r.Schedule(id, attempt)
}

// MarkDelivered cancels any pending retry for id and marks it
// delivered; called by the Forwarder when an ACK or direct delivery
// arrives.
func (r *RetryScheduler) MarkDelivered(id string) {
	r.mu.Lock()
	r.cancelLocked(id)
	r.mu.Unlock()
	if err := r.store.UpdateStatus(id, store.Delivered); err != nil {
		r.log.Error("failed to mark message delivered", "message_id", id, "error", err)
	}
}

// RetryPendingOnConnectionRestored schedules an immediate retry
// (roughly 1s) for every PENDING outgoing message, called when the
// transport reports a new peer connection.
func (r *RetryScheduler) RetryPendingOnConnectionRestored() {
	pending, err := r.store.ListPendingOutgoing()
	if err != nil {
		r.log.Error("failed to list pending outgoing messages", "error", err)
		return
	}
	for _, rec := range pending {
		id := rec.MessageID
		r.mu.Lock()
		r.cancelLocked(id)
		timer := time.AfterFunc(time.Second, func() { r.execute(id, 0) })
		r.entries[id] = &entry{attempt: 0, nextTime: time.Now().Add(time.Second), timer: timer}
		r.mu.Unlock()
	}
}

// Cleanup drops any entry whose scheduled fire time is older than
// 2*MaxRetryDelay, forcing the underlying message to FAILED. Timers
// that are already in flight are left alone; cancelling an
// already-firing timer is a documented no-op (time.Timer.Stop).
func (r *RetryScheduler) Cleanup() {
	cutoff := 2 * r.cfg.MaxRetryDelay
	now := time.Now()
	r.mu.Lock()
	stale := make([]string, 0)
	for id, e := range r.entries {
		if now.Sub(e.nextTime) > cutoff {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.cancelLocked(id)
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.store.UpdateStatus(id, store.Failed); err != nil {
			r.log.Error("failed to force-fail stale retry entry", "message_id", id, "error", err)
		}
	}
}

// cancelLocked stops and removes any existing timer for id. Callers
// must hold r.mu.
func (r *RetryScheduler) cancelLocked(id string) {
	if e, ok := r.entries[id]; ok {
		e.timer.Stop()
		delete(r.entries, id)
	}
}
