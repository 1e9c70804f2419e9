package store

import (
	"database/sql"
	"fmt"
)

// InsertMessage inserts a MessageRecord, replacing any existing row
// with the same message_id (invariant 1 — idempotent re-insert).
func (s *Store) InsertMessage(m *MessageRecord) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO messages (
			message_id, content, sender_id, recipient_id, timestamp,
			status, hop_count, ttl, integrity_hash, is_outgoing
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			sender_id = excluded.sender_id,
			recipient_id = excluded.recipient_id,
			timestamp = excluded.timestamp,
			status = excluded.status,
			hop_count = excluded.hop_count,
			ttl = excluded.ttl,
			integrity_hash = excluded.integrity_hash,
			is_outgoing = excluded.is_outgoing
	`,
		m.MessageID, m.Content, m.SenderID, m.RecipientID, m.Timestamp,
		string(m.Status), m.HopCount, m.TTL, m.IntegrityHash, boolToInt(m.IsOutgoing),
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	s.notifyChanged()
	return nil
}

// UpdateStatus sets the status of message_id. A no-op (not an error) if
// the ID is unknown, matching the idempotent semantics markDelivered
// and cancelRetry require (§5 Cancellation/timeout). It is likewise a
// no-op when the row is already DELIVERED or FAILED, or when it would
// move a SENT row back to PENDING.
func (s *Store) UpdateStatus(messageID string, status Status) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		UPDATE messages SET status = ?
		WHERE message_id = ? AND status NOT IN (?, ?)
		  AND NOT (status = ? AND ? = ?)
	`, string(status), messageID, string(Delivered), string(Failed), string(Sent), string(status), string(Pending))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	s.notifyChanged()
	return nil
}

// GetMessage fetches a single MessageRecord by ID, or nil if absent.
func (s *Store) GetMessage(messageID string) (*MessageRecord, error) {
	s.mu.RLock()
	row := s.db.QueryRow(`
		SELECT message_id, content, sender_id, recipient_id, timestamp,
		       status, hop_count, ttl, integrity_hash, is_outgoing
		FROM messages WHERE message_id = ?
	`, messageID)
	m, err := scanMessage(row)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// ListAllMessages returns every MessageRecord ordered by timestamp ASC,
// the underlying query behind ObserveMessages (§4.3).
func (s *Store) ListAllMessages() ([]*MessageRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT message_id, content, sender_id, recipient_id, timestamp,
		       status, hop_count, ttl, integrity_hash, is_outgoing
		FROM messages ORDER BY timestamp ASC
	`)
	defer s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListConversation returns every MessageRecord exchanged between u1 and
// u2 in either direction, ordered by timestamp ASC, the underlying
// query behind ObserveConversation (§4.3).
func (s *Store) ListConversation(u1, u2 string) ([]*MessageRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT message_id, content, sender_id, recipient_id, timestamp,
		       status, hop_count, ttl, integrity_hash, is_outgoing
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY timestamp ASC
	`, u1, u2, u2, u1)
	defer s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: list conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListPendingOutgoing returns every outgoing MessageRecord still in
// PENDING status, the set the RetryScheduler drives.
func (s *Store) ListPendingOutgoing() ([]*MessageRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT message_id, content, sender_id, recipient_id, timestamp,
		       status, hop_count, ttl, integrity_hash, is_outgoing
		FROM messages WHERE is_outgoing = 1 AND status = ?
	`, string(Pending))
	defer s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: list pending outgoing: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListForwardable returns incoming MessageRecords that have not yet
// been delivered and whose TTL has not expired (§4.3).
func (s *Store) ListForwardable(now int64) ([]*MessageRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT message_id, content, sender_id, recipient_id, timestamp,
		       status, hop_count, ttl, integrity_hash, is_outgoing
		FROM messages
		WHERE is_outgoing = 0 AND status != ? AND ttl > ?
	`, string(Delivered), now)
	defer s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: list forwardable: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteExpired removes every MessageRecord whose ttl < now, idempotent
// per §4.3's consistency requirement.
func (s *Store) DeleteExpired(now int64) (int64, error) {
	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE ttl < ?`, now)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notifyChanged()
	}
	return n, nil
}

// Counts returns the total message count and the count still PENDING,
// the underlying query behind the Engine API's counts() stream.
func (s *Store) Counts() (total, pending int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("store: count total: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = ?`, string(Pending)).Scan(&pending); err != nil {
		return 0, 0, fmt.Errorf("store: count pending: %w", err)
	}
	return total, pending, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r scannable) (*MessageRecord, error) {
	var m MessageRecord
	var status string
	var isOutgoing int
	if err := r.Scan(
		&m.MessageID, &m.Content, &m.SenderID, &m.RecipientID, &m.Timestamp,
		&status, &m.HopCount, &m.TTL, &m.IntegrityHash, &isOutgoing,
	); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.IsOutgoing = isOutgoing != 0
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*MessageRecord, error) {
	var out []*MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
