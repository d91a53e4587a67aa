package sources

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/storage"
)

// WaybackArchiver asks a Wayback-compatible service to save a URL and keeps
// the returned capture in blob storage
type WaybackArchiver struct {
	client  *resty.Client
	blobs   storage.BlobStore
	maxSize int
}

// Ensure WaybackArchiver implements Archiver
var _ Archiver = (*WaybackArchiver)(nil)

// NewWaybackArchiver creates an archiver against baseURL
func NewWaybackArchiver(baseURL string, blobs storage.BlobStore) *WaybackArchiver {
	return &WaybackArchiver{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(60*time.Second).
			SetHeader("User-Agent", "citewalk-archiver/1.0"),
		blobs:   blobs,
		maxSize: 5 << 20,
	}
}

// SnapshotKey returns the blob key a URL is archived under
func SnapshotKey(url string) string {
	return fmt.Sprintf("sources/%x.html", sha256.Sum256([]byte(url)))
}

// Archive saves url and returns the snapshot key
func (w *WaybackArchiver) Archive(ctx context.Context, url string) (string, error) {
	resp, err := w.client.R().
		SetContext(ctx).
		Get("/save/" + url)

	if err != nil {
		return "", fmt.Errorf("archive request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("archive service returned status %d for %s", resp.StatusCode(), url)
	}

	body := resp.Body()
	if len(body) > w.maxSize {
		body = body[:w.maxSize]
	}

	key := SnapshotKey(url)
	if err := w.blobs.Store(ctx, key, body); err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"url":      url,
		"key":      key,
		"location": resp.Header().Get("Content-Location"),
	}).Info("Archived external source")

	return key, nil
}
