package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/citewalk/content-pipeline/internal/resilience"
)

// Label is a node type
type Label string

const (
	LabelUser  Label = "User"
	LabelPost  Label = "Post"
	LabelReply Label = "Reply"
	LabelTopic Label = "Topic"
	LabelURL   Label = "URL"
)

// Relation is an edge type
type Relation string

const (
	RelAuthored  Relation = "AUTHORED"
	RelInTopic   Relation = "IN_TOPIC"
	RelLinksTo   Relation = "LINKS_TO"
	RelQuotes    Relation = "QUOTES"
	RelMentions  Relation = "MENTIONS"
	RelCites     Relation = "CITES"
	RelRepliedTo Relation = "REPLIED_TO"
)

// Node identifies a graph vertex
type Node struct {
	Label Label
	ID    string
}

// Store is an idempotent graph writer; merging an existing node or edge is a no-op
type Store interface {
	MergeNode(ctx context.Context, n Node) error
	MergeEdge(ctx context.Context, from, to Node, rel Relation) error
}

// SQLiteGraph keeps the relationship graph in its own SQLite database
type SQLiteGraph struct {
	conn *sql.DB
}

// Ensure SQLiteGraph implements Store
var _ Store = (*SQLiteGraph)(nil)

// Open opens the graph database with WAL mode enabled
func Open(path string) (*SQLiteGraph, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		label TEXT NOT NULL,
		id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (label, id)
	);
	CREATE TABLE IF NOT EXISTS edges (
		from_label TEXT NOT NULL,
		from_id TEXT NOT NULL,
		rel TEXT NOT NULL,
		to_label TEXT NOT NULL,
		to_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (from_label, from_id, rel, to_label, to_id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_label, to_id, rel);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating graph schema: %w", err)
	}

	return &SQLiteGraph{conn: conn}, nil
}

// Close closes the database connection
func (g *SQLiteGraph) Close() error {
	return g.conn.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func mergeNode(ctx context.Context, db execer, n Node) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO nodes (label, id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		n.Label, n.ID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("merging node %s:%s: %w", n.Label, n.ID, err)
	}
	return nil
}

// MergeNode creates the node if it does not exist
func (g *SQLiteGraph) MergeNode(ctx context.Context, n Node) error {
	return mergeNode(ctx, g.conn, n)
}

// MergeEdge creates both endpoints and the edge if missing
func (g *SQLiteGraph) MergeEdge(ctx context.Context, from, to Node, rel Relation) error {
	tx, err := g.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning graph transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mergeNode(ctx, tx, from); err != nil {
		return err
	}
	if err := mergeNode(ctx, tx, to); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO edges (from_label, from_id, rel, to_label, to_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		from.Label, from.ID, rel, to.Label, to.ID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("merging edge %s -%s-> %s: %w", from.ID, rel, to.ID, err)
	}

	return tx.Commit()
}

// Outgoing lists the targets of from's edges of type rel
func (g *SQLiteGraph) Outgoing(ctx context.Context, from Node, rel Relation) ([]Node, error) {
	rows, err := g.conn.QueryContext(ctx, `
	SELECT to_label, to_id FROM edges
	WHERE from_label = ? AND from_id = ? AND rel = ?
	ORDER BY to_label, to_id`, from.Label, from.ID, rel)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.Label, &n.ID); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Incoming lists the sources of edges of type rel pointing at to
func (g *SQLiteGraph) Incoming(ctx context.Context, to Node, rel Relation) ([]Node, error) {
	rows, err := g.conn.QueryContext(ctx, `
	SELECT from_label, from_id FROM edges
	WHERE to_label = ? AND to_id = ? AND rel = ?
	ORDER BY from_label, from_id`, to.Label, to.ID, rel)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.Label, &n.ID); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Counts returns the number of nodes and edges
func (g *SQLiteGraph) Counts(ctx context.Context) (nodes, edges int, err error) {
	if err = g.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("counting nodes: %w", err)
	}
	if err = g.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("counting edges: %w", err)
	}
	return nodes, edges, nil
}

// Guarded routes graph writes through a circuit breaker
type Guarded struct {
	inner   Store
	breaker *resilience.Breaker
}

// Ensure Guarded implements Store
var _ Store = (*Guarded)(nil)

// NewGuarded wraps inner
func NewGuarded(inner Store, breaker *resilience.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) MergeNode(ctx context.Context, n Node) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.MergeNode(ctx, n)
	})
}

func (g *Guarded) MergeEdge(ctx context.Context, from, to Node, rel Relation) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.MergeEdge(ctx, from, to, rel)
	})
}
