package store

import "context"

// ObserveMessages returns a channel that emits the full message list,
// ordered by timestamp ASC, once immediately and again after every
// subsequent commit, until ctx is cancelled (§4.3 — live view).
func (s *Store) ObserveMessages(ctx context.Context) <-chan []*MessageRecord {
	out := make(chan []*MessageRecord, 1)
	go s.runView(ctx, out, s.ListAllMessages)
	return out
}

// ObserveConversation is like ObserveMessages but scoped to messages
// exchanged between u1 and u2.
func (s *Store) ObserveConversation(ctx context.Context, u1, u2 string) <-chan []*MessageRecord {
	out := make(chan []*MessageRecord, 1)
	go s.runView(ctx, out, func() ([]*MessageRecord, error) {
		return s.ListConversation(u1, u2)
	})
	return out
}

// CountsSnapshot is a point-in-time read of Counts, emitted by
// ObserveCounts.
type CountsSnapshot struct {
	Total   int64
	Pending int64
}

// ObserveCounts emits a CountsSnapshot once immediately and again after
// every subsequent commit, until ctx is cancelled.
func (s *Store) ObserveCounts(ctx context.Context) <-chan CountsSnapshot {
	out := make(chan CountsSnapshot, 1)
	go func() {
		defer close(out)
		ch := s.subscribe()
		defer s.unsubscribe(ch)

		emit := func() bool {
			total, pending, err := s.Counts()
			if err != nil {
				s.log.Error("observe counts query failed", "error", err)
				return true
			}
			select {
			case out <- CountsSnapshot{Total: total, Pending: pending}:
			case <-ctx.Done():
				return false
			default:
				// Drop the stale value still sitting in the buffer and
				// replace it with the fresh one; the channel has
				// capacity 1 so this never blocks the writer that
				// triggered the notification.
				select {
				case <-out:
				default:
				}
				select {
				case out <- CountsSnapshot{Total: total, Pending: pending}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}

// runView is the shared pump behind the MessageRecord-returning
// observers: re-run query whenever the store signals a commit, and
// once up front.
func (s *Store) runView(ctx context.Context, out chan []*MessageRecord, query func() ([]*MessageRecord, error)) {
	defer close(out)
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	emit := func() bool {
		rows, err := query()
		if err != nil {
			s.log.Error("observe query failed", "error", err)
			return true
		}
		select {
		case out <- rows:
		case <-ctx.Done():
			return false
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- rows:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if !emit() {
				return
			}
		}
	}
}
