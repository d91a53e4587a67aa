package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/citewalk/content-pipeline/internal/models"
)

// CreateUser inserts an account
func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = newID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}

	languages, err := json.Marshal(user.Languages)
	if err != nil {
		return fmt.Errorf("marshal languages: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO users (id, handle, display_name, email, languages, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Handle, user.DisplayName, user.Email, string(languages), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", user.Handle, err)
	}
	return nil
}

const userColumns = `id, handle, display_name, email, languages, created_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var languages string
	if err := row.Scan(&u.ID, &u.Handle, &u.DisplayName, &u.Email, &languages, &u.CreatedAt); err != nil {
		return nil, err
	}
	if languages != "" {
		if err := json.Unmarshal([]byte(languages), &u.Languages); err != nil {
			return nil, fmt.Errorf("decode languages: %w", err)
		}
	}
	return &u, nil
}

// GetUser returns an account by id
func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// FindUserByHandle resolves a handle case-insensitively
func (q *queries) FindUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = ? COLLATE NOCASE`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", handle, err)
	}
	return u, nil
}

// Follow records that followerID follows followeeID
func (s *SQLiteStore) Follow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)
	ON CONFLICT DO NOTHING`, followerID, followeeID, now())
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

// ListFollowers returns one zero-based page of follower ids
func (s *SQLiteStore) ListFollowers(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT follower_id FROM follows WHERE followee_id = ?
	ORDER BY created_at, follower_id LIMIT ? OFFSET ?`, userID, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PushFeed moves postID to the head of the user's feed and trims it to maxLen
func (s *SQLiteStore) PushFeed(ctx context.Context, userID, postID string, maxLen int) error {
	return s.withTx(ctx, func(q *queries) error {
		_, err := q.db.ExecContext(ctx, `
		INSERT INTO feed_entries (user_id, post_id, seq)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM feed_entries WHERE user_id = ?))
		ON CONFLICT(user_id, post_id) DO UPDATE SET seq = excluded.seq`, userID, postID, userID)
		if err != nil {
			return fmt.Errorf("push feed entry: %w", err)
		}

		_, err = q.db.ExecContext(ctx, `
		DELETE FROM feed_entries WHERE user_id = ? AND post_id NOT IN (
			SELECT post_id FROM feed_entries WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)`, userID, userID, maxLen)
		if err != nil {
			return fmt.Errorf("trim feed: %w", err)
		}
		return nil
	})
}

// RecentFeed returns the user's feed, most recent first. Entries for deleted
// posts stay in the table but are never returned.
func (s *SQLiteStore) RecentFeed(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT f.post_id FROM feed_entries f
	JOIN content_items c ON c.id = f.post_id
	WHERE f.user_id = ? AND c.deleted_at IS NULL
	ORDER BY f.seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan feed entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateReport stores a report, returning false if the reporter already reported the target
func (s *SQLiteStore) CreateReport(ctx context.Context, report *models.Report) (bool, error) {
	if report.ID == "" {
		report.ID = newID()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO reports (id, reporter_id, target_id, target_type, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(reporter_id, target_id) DO NOTHING`,
		report.ID, report.ReporterID, report.TargetID, report.TargetType, report.Reason, report.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountReports returns how many distinct reporters flagged the target
func (s *SQLiteStore) CountReports(ctx context.Context, targetID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE target_id = ?`, targetID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return count, nil
}
