package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/citewalk/content-pipeline/internal/models"
)

const notificationColumns = `id, user_id, type, actor_id, post_id, reply_id, collection_id, created_at, read_at`

func scanNotification(row scanner) (*models.Notification, error) {
	var n models.Notification
	var readAt sql.NullTime
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.ActorID, &n.PostID, &n.ReplyID,
		&n.CollectionID, &n.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return &n, nil
}

// FindNotification returns the notification matching the idempotency key
func (q *queries) FindNotification(ctx context.Context, key NotificationKey) (*models.Notification, error) {
	row := q.db.QueryRowContext(ctx, `
	SELECT `+notificationColumns+` FROM notifications
	WHERE user_id = ? AND type = ? AND actor_id = ? AND post_id = ? AND reply_id = ? AND collection_id = ?`,
		key.UserID, key.Type, key.ActorID, key.PostID, key.ReplyID, key.CollectionID)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return n, nil
}

// CreateNotification inserts n unless its key already exists
func (q *queries) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}

	res, err := q.db.ExecContext(ctx, `
	INSERT INTO notifications (id, user_id, type, actor_id, post_id, reply_id, collection_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, type, actor_id, post_id, reply_id, collection_id) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.ActorID, n.PostID, n.ReplyID, n.CollectionID, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListNotifications returns the user's newest notifications
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+notificationColumns+` FROM notifications
	WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkNotificationRead sets read_at on one of the user's notifications
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?`, now(), id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueuePush writes a pending push outbox entry
func (q *queries) EnqueuePush(ctx context.Context, entry *models.PushOutbox) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	if entry.Status == "" {
		entry.Status = models.PushPending
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("marshal push data: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
	INSERT INTO push_outbox (id, user_id, type, title, body, data, status, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Type, entry.Title, entry.Body, string(data),
		entry.Status, entry.Attempts, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert push outbox: %w", err)
	}
	return nil
}

// ListDeliverablePush returns pending or failed entries still under the attempt limit
func (s *SQLiteStore) ListDeliverablePush(ctx context.Context, maxAttempts, limit int) ([]models.PushOutbox, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, user_id, type, title, body, data, status, attempts, last_error, created_at, sent_at
	FROM push_outbox
	WHERE status IN ('pending', 'failed') AND attempts < ?
	ORDER BY created_at LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list push outbox: %w", err)
	}
	defer rows.Close()

	var out []models.PushOutbox
	for rows.Next() {
		var p models.PushOutbox
		var data string
		var sentAt sql.NullTime
		err := rows.Scan(&p.ID, &p.UserID, &p.Type, &p.Title, &p.Body, &data, &p.Status,
			&p.Attempts, &p.LastError, &p.CreatedAt, &sentAt)
		if err != nil {
			return nil, fmt.Errorf("scan push outbox: %w", err)
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
				return nil, fmt.Errorf("decode push data: %w", err)
			}
		}
		if sentAt.Valid {
			t := sentAt.Time
			p.SentAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePush records a delivery attempt
func (s *SQLiteStore) UpdatePush(ctx context.Context, id string, status models.PushStatus, lastError string) error {
	var sentAt any
	if status == models.PushSent {
		sentAt = now()
	}

	_, err := s.conn.ExecContext(ctx, `
	UPDATE push_outbox
	SET status = ?, last_error = ?, attempts = attempts + 1, sent_at = COALESCE(?, sent_at)
	WHERE id = ?`, status, lastError, sentAt, id)
	if err != nil {
		return fmt.Errorf("update push %s: %w", id, err)
	}
	return nil
}

// CreateModerationRecord appends an audit entry
func (q *queries) CreateModerationRecord(ctx context.Context, record *models.ModerationRecord) error {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now()
	}
	if runes := []rune(record.ContentSnapshot); len(runes) > models.MaxSnapshotLength {
		record.ContentSnapshot = string(runes[:models.MaxSnapshotLength])
	}

	_, err := q.db.ExecContext(ctx, `
	INSERT INTO moderation_records (
		id, target_type, target_id, author_id, reason_code, reason_text,
		confidence, content_snapshot, source, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TargetType, record.TargetID, record.AuthorID, record.ReasonCode,
		record.ReasonText, record.Confidence, record.ContentSnapshot, record.Source, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert moderation record: %w", err)
	}
	return nil
}

// ListModerationRecords returns the audit trail for a target
func (s *SQLiteStore) ListModerationRecords(ctx context.Context, targetID string) ([]models.ModerationRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, target_type, target_id, author_id, reason_code, reason_text,
		confidence, content_snapshot, source, created_at
	FROM moderation_records WHERE target_id = ? ORDER BY created_at, id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list moderation records: %w", err)
	}
	defer rows.Close()

	var out []models.ModerationRecord
	for rows.Next() {
		var r models.ModerationRecord
		err := rows.Scan(&r.ID, &r.TargetType, &r.TargetID, &r.AuthorID, &r.ReasonCode, &r.ReasonText,
			&r.Confidence, &r.ContentSnapshot, &r.Source, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan moderation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
