package store

import (
	"database/sql"
	"fmt"
)

// AddFriend inserts or updates a FriendRecord, keyed by user_id.
func (s *Store) AddFriend(userID, nickname string, addedMs int64) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO friends (user_id, nickname, added_ms, last_seen_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET nickname = excluded.nickname
	`, userID, nickname, addedMs, addedMs)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: add friend: %w", err)
	}
	s.notifyChanged()
	return nil
}

// RemoveFriend deletes the FriendRecord for userID.
func (s *Store) RemoveFriend(userID string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM friends WHERE user_id = ?`, userID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: remove friend: %w", err)
	}
	s.notifyChanged()
	return nil
}

// RenameFriend updates a FriendRecord's nickname.
func (s *Store) RenameFriend(userID, nickname string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`UPDATE friends SET nickname = ? WHERE user_id = ?`, nickname, userID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: rename friend: %w", err)
	}
	s.notifyChanged()
	return nil
}

// SetFavorite toggles a FriendRecord's favorite flag.
func (s *Store) SetFavorite(userID string, favorite bool) error {
	s.mu.Lock()
	_, err := s.db.Exec(`UPDATE friends SET is_favorite = ? WHERE user_id = ?`, boolToInt(favorite), userID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: set favorite: %w", err)
	}
	s.notifyChanged()
	return nil
}

// IncrementMessageCount bumps a FriendRecord's total_messages by one.
func (s *Store) IncrementMessageCount(userID string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`UPDATE friends SET total_messages = total_messages + 1 WHERE user_id = ?`, userID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: increment message count: %w", err)
	}
	s.notifyChanged()
	return nil
}

// SetOnline updates a FriendRecord's transient online flag and, when
// going online, its endpoint_id and last_seen_ms (called from
// EngineCoordinator's transport connected/disconnected handlers, §4.7).
func (s *Store) SetOnline(userID, endpointID string, online bool, nowMs int64) error {
	s.mu.Lock()
	var err error
	if online {
		_, err = s.db.Exec(`
			UPDATE friends SET is_online = 1, endpoint_id = ?, last_seen_ms = ?
			WHERE user_id = ?
		`, endpointID, nowMs, userID)
	} else {
		_, err = s.db.Exec(`UPDATE friends SET is_online = 0 WHERE user_id = ?`, userID)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: set online: %w", err)
	}
	s.notifyChanged()
	return nil
}

// GetFriend fetches a single FriendRecord, or nil if absent.
func (s *Store) GetFriend(userID string) (*FriendRecord, error) {
	s.mu.RLock()
	row := s.db.QueryRow(`
		SELECT user_id, nickname, endpoint_id, last_seen_ms, added_ms,
		       is_online, total_messages, is_favorite
		FROM friends WHERE user_id = ?
	`, userID)
	f, err := scanFriend(row)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get friend: %w", err)
	}
	return f, nil
}

// ListFriends returns every FriendRecord ordered by last_seen_ms DESC.
func (s *Store) ListFriends() ([]*FriendRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT user_id, nickname, endpoint_id, last_seen_ms, added_ms,
		       is_online, total_messages, is_favorite
		FROM friends ORDER BY last_seen_ms DESC
	`)
	defer s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: list friends: %w", err)
	}
	defer rows.Close()

	var out []*FriendRecord
	for rows.Next() {
		f, err := scanFriend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFriend(r scannable) (*FriendRecord, error) {
	var f FriendRecord
	var isOnline, isFavorite int
	if err := r.Scan(
		&f.UserID, &f.Nickname, &f.EndpointID, &f.LastSeenMs, &f.AddedMs,
		&isOnline, &f.TotalMessages, &isFavorite,
	); err != nil {
		return nil, err
	}
	f.IsOnline = isOnline != 0
	f.IsFavorite = isFavorite != 0
	return &f, nil
}
