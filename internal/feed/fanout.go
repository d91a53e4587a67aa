package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// FollowerReader pages through the followers of a user
type FollowerReader interface {
	ListFollowers(ctx context.Context, userID string, page, pageSize int) ([]string, error)
}

// Cache holds each user's capped most-recent-first feed list. PushFeed must
// move an existing id to the head instead of duplicating it.
type Cache interface {
	PushFeed(ctx context.Context, userID, postID string, maxLen int) error
	RecentFeed(ctx context.Context, userID string, limit int) ([]string, error)
}

// Result summarizes one fan-out
type Result struct {
	Followers int `json:"followers"`
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
}

// Fanout pushes new posts into follower feeds
type Fanout struct {
	followers FollowerReader
	cache     Cache
	pageSize  int
	maxLen    int
}

// NewFanout creates a fan-out with the given paging and cap
func NewFanout(followers FollowerReader, cache Cache, pageSize, maxLen int) *Fanout {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if maxLen <= 0 {
		maxLen = 500
	}
	return &Fanout{
		followers: followers,
		cache:     cache,
		pageSize:  pageSize,
		maxLen:    maxLen,
	}
}

// FanOut prepends postID to the author's feed and every follower's feed.
// A failure for one follower does not stop the others; an error is returned
// only when the follower list cannot be read or every push failed.
func (f *Fanout) FanOut(ctx context.Context, postID, authorID string) (Result, error) {
	var result Result
	var lastErr error

	push := func(userID string) {
		if err := f.cache.PushFeed(ctx, userID, postID, f.maxLen); err != nil {
			result.Failed++
			lastErr = err
			logrus.Warnf("Failed to push post %s to feed of %s: %v", postID, userID, err)
			return
		}
		result.Pushed++
	}

	push(authorID)

	for page := 0; ; page++ {
		ids, err := f.followers.ListFollowers(ctx, authorID, page, f.pageSize)
		if err != nil {
			return result, fmt.Errorf("list followers of %s (page %d): %w", authorID, page, err)
		}

		for _, id := range ids {
			if id == authorID {
				continue
			}
			result.Followers++
			push(id)
		}

		if len(ids) < f.pageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	if result.Pushed == 0 && result.Failed > 0 {
		return result, errors.Join(fmt.Errorf("fan-out of post %s failed for every feed", postID), lastErr)
	}

	logrus.WithFields(logrus.Fields{
		"post_id":   postID,
		"followers": result.Followers,
		"failed":    result.Failed,
	}).Debug("Fanned out post")

	return result, nil
}
