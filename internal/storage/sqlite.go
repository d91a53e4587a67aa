package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Queries over a connection or a transaction
type queries struct {
	db dbtx
}

// SQLiteStore is the primary record store backed by SQLite
type SQLiteStore struct {
	queries
	conn *sql.DB
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the SQLite database at path
func Open(path string) (*SQLiteStore, error) {
	// Writers take the lock at BEGIN so concurrent transactions queue on the
	// busy timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	store := &SQLiteStore{queries: queries{db: conn}, conn: conn}

	if err := store.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

// Conn returns the underlying sql.DB for packages that keep their own tables
func (s *SQLiteStore) Conn() *sql.DB {
	return s.conn
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// InTx runs fn inside a transaction
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, func(q *queries) error {
		return fn(q)
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(q *queries) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		languages TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_handle ON users(handle COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	);
	CREATE INDEX IF NOT EXISTS idx_follows_followee ON follows(followee_id, created_at);

	CREATE TABLE IF NOT EXISTS content_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		author_id TEXT NOT NULL,
		post_id TEXT NOT NULL DEFAULT '',
		parent_reply_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		visibility TEXT NOT NULL,
		lang TEXT NOT NULL DEFAULT '',
		lang_confidence REAL NOT NULL DEFAULT 0,
		reading_time INTEGER NOT NULL DEFAULT 0,
		reply_count INTEGER NOT NULL DEFAULT 0,
		quote_count INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_content_author ON content_items(author_id, kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_content_post ON content_items(post_id);

	CREATE TABLE IF NOT EXISTS reference_edges (
		id TEXT PRIMARY KEY,
		from_id TEXT NOT NULL REFERENCES content_items(id),
		to_id TEXT NOT NULL REFERENCES content_items(id),
		type TEXT NOT NULL,
		anchor_text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (from_id, to_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON reference_edges(to_id, type);

	CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content_topics (
		content_id TEXT NOT NULL REFERENCES content_items(id),
		topic_id TEXT NOT NULL REFERENCES topics(id),
		PRIMARY KEY (content_id, topic_id)
	);

	CREATE TABLE IF NOT EXISTS mentions (
		id TEXT PRIMARY KEY,
		content_id TEXT NOT NULL REFERENCES content_items(id),
		mentioned_user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (content_id, mentioned_user_id)
	);

	CREATE TABLE IF NOT EXISTS external_sources (
		id TEXT PRIMARY KEY,
		content_id TEXT NOT NULL REFERENCES content_items(id),
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		snapshot_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (content_id, url)
	);

	CREATE TABLE IF NOT EXISTS moderation_records (
		id TEXT PRIMARY KEY,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		reason_text TEXT NOT NULL,
		confidence REAL NOT NULL,
		content_snapshot TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_moderation_target ON moderation_records(target_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		post_id TEXT NOT NULL DEFAULT '',
		reply_id TEXT NOT NULL DEFAULT '',
		collection_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP,
		UNIQUE (user_id, type, actor_id, post_id, reply_id, collection_id)
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);

	CREATE TABLE IF NOT EXISTS push_outbox (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_push_status ON push_outbox(status, created_at);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		reporter_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (reporter_id, target_id)
	);

	CREATE TABLE IF NOT EXISTS feed_entries (
		user_id TEXT NOT NULL,
		post_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (user_id, post_id)
	);
	CREATE INDEX IF NOT EXISTS idx_feed_seq ON feed_entries(user_id, seq);
	`

	_, err := s.conn.Exec(schema)
	return err
}
