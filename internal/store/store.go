// Package store provides the engine's persistent message log and
// friends directory, backed by an embedded SQLite database (§4.3).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dtmesh/dtmsgd/pkg/logging"
)

// Status is a MessageRecord's delivery status. Transitions are
// monotone: PENDING -> SENT -> DELIVERED, with FAILED terminal from any
// state (§3 invariant 5).
type Status string

const (
	Pending   Status = "PENDING"
	Sent      Status = "SENT"
	Delivered Status = "DELIVERED"
	Failed    Status = "FAILED"
)

// BroadcastRecipient is the reserved recipient_id meaning every
// receiving device should deliver locally.
const BroadcastRecipient = "broadcast"

// MessageRecord is the persistent record described in §3. message_id
// is its primary key; re-insert with the same ID replaces (invariant 1).
type MessageRecord struct {
	MessageID     string
	Content       string
	SenderID      string
	RecipientID   string
	Timestamp     int64
	Status        Status
	HopCount      int
	TTL           int64
	IntegrityHash string
	IsOutgoing    bool
}

// FriendRecord is the persistent peer-directory record described in §3.
type FriendRecord struct {
	UserID        string
	Nickname      string
	EndpointID    string
	LastSeenMs    int64
	AddedMs       int64
	IsOnline      bool
	TotalMessages int64
	IsFavorite    bool
}

// Config holds store configuration.
type Config struct {
	DataDir string
}

// Store is the engine's MessageStore (§4.3). All mutations run through
// a single *sql.DB (SQLite permits one writer); reads that feed the UI
// are exposed as change-notification channels rather than polled.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logging.Logger

	notifyMu sync.Mutex
	notify   []chan struct{}
}

// New opens (creating if absent) the SQLite-backed store under
// cfg.DataDir and runs schema initialization/migrations.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dtmsgd.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		log:    logging.GetDefault().Component("store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	if err := s.resetOnlineFlags(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: reset online flags: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id     TEXT PRIMARY KEY,
		content        TEXT NOT NULL,
		sender_id      TEXT NOT NULL,
		recipient_id   TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		status         TEXT NOT NULL DEFAULT 'PENDING',
		hop_count      INTEGER NOT NULL DEFAULT 0,
		ttl            INTEGER NOT NULL,
		integrity_hash TEXT NOT NULL,
		is_outgoing    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_ttl ON messages(ttl);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, is_outgoing);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(sender_id, recipient_id);

	CREATE TABLE IF NOT EXISTS friends (
		user_id        TEXT PRIMARY KEY,
		nickname       TEXT NOT NULL DEFAULT '',
		endpoint_id    TEXT NOT NULL DEFAULT '',
		last_seen_ms   INTEGER NOT NULL DEFAULT 0,
		added_ms       INTEGER NOT NULL DEFAULT 0,
		is_online      INTEGER NOT NULL DEFAULT 0,
		total_messages INTEGER NOT NULL DEFAULT 0,
		is_favorite    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_friends_last_seen ON friends(last_seen_ms);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return err
		}
	}

	return s.runMigrations()
}

// runMigrations applies ALTER TABLE statements for databases created by
// an earlier schema version. Errors are ignored since a column may
// already exist, matching the teacher's migration idiom.
func (s *Store) runMigrations() error {
	migrations := []string{
		"ALTER TABLE friends ADD COLUMN is_favorite INTEGER NOT NULL DEFAULT 0",
	}
	for _, m := range migrations {
		_, _ = s.db.Exec(m)
	}
	return nil
}

// resetOnlineFlags clears every FriendRecord's is_online flag on
// startup, per invariant 7 — online status is transient and can only
// be re-established by a fresh transport connection event.
func (s *Store) resetOnlineFlags() error {
	_, err := s.db.Exec(`UPDATE friends SET is_online = 0`)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// subscribe registers a channel that receives a (non-blocking) signal
// after every successful write, for the live-view readers in view.go.
func (s *Store) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	s.notifyMu.Lock()
	s.notify = append(s.notify, ch)
	s.notifyMu.Unlock()
	return ch
}

func (s *Store) unsubscribe(ch chan struct{}) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i, c := range s.notify {
		if c == ch {
			s.notify = append(s.notify[:i], s.notify[i+1:]...)
			close(c)
			return
		}
	}
}

func (s *Store) notifyChanged() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, ch := range s.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
