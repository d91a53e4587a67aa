package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/google/uuid"
)

const contentColumns = `id, kind, author_id, post_id, parent_reply_id, title, body, visibility,
	lang, lang_confidence, reading_time, reply_count, quote_count, view_count, created_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanContent(row scanner) (*models.ContentItem, error) {
	var item models.ContentItem
	var deletedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.Kind, &item.AuthorID, &item.PostID, &item.ParentReplyID,
		&item.Title, &item.Body, &item.Visibility, &item.Lang, &item.LangConfidence,
		&item.ReadingTimeMinutes, &item.ReplyCount, &item.QuoteCount, &item.ViewCount,
		&item.CreatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if deletedAt.Valid {
		t := deletedAt.Time
		item.DeletedAt = &t
	}
	return &item, nil
}

func newID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateContent inserts a new content item, assigning an id if missing
func (q *queries) CreateContent(ctx context.Context, item *models.ContentItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}

	query := `
	INSERT INTO content_items (
		id, kind, author_id, post_id, parent_reply_id, title, body, visibility,
		lang, lang_confidence, reading_time, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.db.ExecContext(ctx, query,
		item.ID, item.Kind, item.AuthorID, item.PostID, item.ParentReplyID, item.Title,
		item.Body, item.Visibility, item.Lang, item.LangConfidence, item.ReadingTimeMinutes,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

// GetContent returns a live content item
func (q *queries) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE id = ? AND deleted_at IS NULL`, id)

	item, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	return item, nil
}

// AdjustCounter atomically adds delta to a counter, never going below zero
func (q *queries) AdjustCounter(ctx context.Context, id string, counter Counter, delta int) error {
	switch counter {
	case CounterReplies, CounterQuotes, CounterViews:
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}

	query := fmt.Sprintf(`UPDATE content_items SET %[1]s = MAX(%[1]s + ?, 0) WHERE id = ?`, counter)
	res, err := q.db.ExecContext(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("adjust %s on %s: %w", counter, id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteContent tombstones a live item and reverses the counters its
// creation incremented. It reports false if the item was already deleted.
func (q *queries) SoftDeleteContent(ctx context.Context, id string) (bool, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id)
	item, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load content %s: %w", id, err)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE content_items SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now(), id)
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if item.Kind == models.KindReply && item.PostID != "" {
		if err := q.AdjustCounter(ctx, item.PostID, CounterReplies, -1); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	edges, err := q.listEdges(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Type != models.EdgeQuote {
			continue
		}
		if err := q.AdjustCounter(ctx, e.ToID, CounterQuotes, -1); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	return true, nil
}

// CreateEdge inserts a reference edge; duplicates are ignored
func (q *queries) CreateEdge(ctx context.Context, edge *models.ReferenceEdge) error {
	if edge.ID == "" {
		edge.ID = newID()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = now()
	}

	_, err := q.db.ExecContext(ctx, `
	INSERT INTO reference_edges (id, from_id, to_id, type, anchor_text, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(from_id, to_id, type) DO NOTHING`,
		edge.ID, edge.FromID, edge.ToID, edge.Type, edge.AnchorText, edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// ListEdgesFrom returns the edges of a live source item
func (q *queries) ListEdgesFrom(ctx context.Context, contentID string) ([]models.ReferenceEdge, error) {
	var live int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items WHERE id = ? AND deleted_at IS NULL`, contentID).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("check source %s: %w", contentID, err)
	}
	if live == 0 {
		return nil, nil
	}
	return q.listEdges(ctx, contentID)
}

func (q *queries) listEdges(ctx context.Context, contentID string) ([]models.ReferenceEdge, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, from_id, to_id, type, anchor_text, created_at
	FROM reference_edges WHERE from_id = ? ORDER BY created_at, id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []models.ReferenceEdge
	for rows.Next() {
		var e models.ReferenceEdge
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &e.Type, &e.AnchorText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// FindOrCreateTopic returns the topic for slug, creating it on first use
func (q *queries) FindOrCreateTopic(ctx context.Context, slug, title, createdBy string) (*models.Topic, error) {
	_, err := q.db.ExecContext(ctx, `
	INSERT INTO topics (id, slug, title, created_by, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(slug) DO NOTHING`, newID(), slug, title, createdBy, now())
	if err != nil {
		return nil, fmt.Errorf("insert topic %s: %w", slug, err)
	}

	var t models.Topic
	err = q.db.QueryRowContext(ctx,
		`SELECT id, slug, title, created_by, created_at FROM topics WHERE slug = ?`, slug).
		Scan(&t.ID, &t.Slug, &t.Title, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load topic %s: %w", slug, err)
	}
	return &t, nil
}

// AttachTopic links a content item to a topic
func (q *queries) AttachTopic(ctx context.Context, contentID, topicID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO content_topics (content_id, topic_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		contentID, topicID)
	if err != nil {
		return fmt.Errorf("attach topic: %w", err)
	}
	return nil
}

// ListTopics returns the topics attached to a content item
func (q *queries) ListTopics(ctx context.Context, contentID string) ([]models.Topic, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT t.id, t.slug, t.title, t.created_by, t.created_at
	FROM topics t JOIN content_topics ct ON ct.topic_id = t.id
	WHERE ct.content_id = ? ORDER BY t.slug`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var t models.Topic
		if err := rows.Scan(&t.ID, &t.Slug, &t.Title, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// CreateExternalSource records a cited URL; the same URL on the same item is ignored
func (q *queries) CreateExternalSource(ctx context.Context, src *models.ExternalSource) error {
	if src.ID == "" {
		src.ID = newID()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now()
	}

	_, err := q.db.ExecContext(ctx, `
	INSERT INTO external_sources (id, content_id, url, title, description, snapshot_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(content_id, url) DO NOTHING`,
		src.ID, src.ContentID, src.URL, src.Title, src.Description, src.SnapshotKey, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert external source: %w", err)
	}
	return nil
}

// ListExternalSources returns the URLs cited by a content item
func (q *queries) ListExternalSources(ctx context.Context, contentID string) ([]models.ExternalSource, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, content_id, url, title, description, snapshot_key, created_at
	FROM external_sources WHERE content_id = ? ORDER BY created_at, id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list external sources: %w", err)
	}
	defer rows.Close()

	var sources []models.ExternalSource
	for rows.Next() {
		var s models.ExternalSource
		if err := rows.Scan(&s.ID, &s.ContentID, &s.URL, &s.Title, &s.Description, &s.SnapshotKey, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan external source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpdateExternalSource stores enrichment results for a source
func (s *SQLiteStore) UpdateExternalSource(ctx context.Context, src *models.ExternalSource) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE external_sources SET title = ?, description = ?, snapshot_key = ? WHERE id = ?`,
		src.Title, src.Description, src.SnapshotKey, src.ID)
	if err != nil {
		return fmt.Errorf("update external source %s: %w", src.ID, err)
	}
	return nil
}

// CreateMention records a resolved mention; duplicates are ignored
func (q *queries) CreateMention(ctx context.Context, mention *models.Mention) error {
	if mention.ID == "" {
		mention.ID = newID()
	}
	if mention.CreatedAt.IsZero() {
		mention.CreatedAt = now()
	}

	_, err := q.db.ExecContext(ctx, `
	INSERT INTO mentions (id, content_id, mentioned_user_id, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(content_id, mentioned_user_id) DO NOTHING`,
		mention.ID, mention.ContentID, mention.MentionedUserID, mention.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert mention: %w", err)
	}
	return nil
}

// ListMentions returns the mentions recorded for a content item
func (q *queries) ListMentions(ctx context.Context, contentID string) ([]models.Mention, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, content_id, mentioned_user_id, created_at
	FROM mentions WHERE content_id = ? ORDER BY created_at, id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	var mentions []models.Mention
	for rows.Next() {
		var m models.Mention
		if err := rows.Scan(&m.ID, &m.ContentID, &m.MentionedUserID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// Compensate soft-deletes id and writes record in the same transaction
func (s *SQLiteStore) Compensate(ctx context.Context, id string, record *models.ModerationRecord) (bool, error) {
	var deleted bool
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		deleted, err = tx.SoftDeleteContent(ctx, id)
		if err != nil || !deleted || record == nil {
			return err
		}
		return tx.CreateModerationRecord(ctx, record)
	})
	return deleted, err
}

// RecentBodies returns the bodies of the author's latest posts and latest replies
func (s *SQLiteStore) RecentBodies(ctx context.Context, authorID, excludeID string, limit int) ([]string, error) {
	query := `
	SELECT body FROM (
		SELECT body FROM content_items
		WHERE author_id = ? AND kind = 'POST' AND deleted_at IS NULL AND id != ?
		ORDER BY created_at DESC LIMIT ?
	)
	UNION ALL
	SELECT body FROM (
		SELECT body FROM content_items
		WHERE author_id = ? AND kind = 'REPLY' AND deleted_at IS NULL AND id != ?
		ORDER BY created_at DESC LIMIT ?
	)`

	rows, err := s.conn.QueryContext(ctx, query, authorID, excludeID, limit, authorID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent bodies: %w", err)
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan body: %w", err)
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// MostCommonLanguage returns the language the author writes in most, or ""
func (s *SQLiteStore) MostCommonLanguage(ctx context.Context, authorID string) (string, error) {
	var lang string
	err := s.conn.QueryRowContext(ctx, `
	SELECT lang FROM content_items
	WHERE author_id = ? AND deleted_at IS NULL AND lang != ''
	GROUP BY lang ORDER BY COUNT(*) DESC, lang LIMIT 1`, authorID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("most common language: %w", err)
	}
	return lang, nil
}

// ListLiveContentIDs returns every item that is not soft-deleted
func (s *SQLiteStore) ListLiveContentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM content_items WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
