package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/embeddings"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// Source reads what a search document is built from
type Source interface {
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)
	ListTopics(ctx context.Context, contentID string) ([]models.Topic, error)
}

// Reindex rebuilds the document for id from the record store. A missing or
// deleted item is removed from the index. An embedding failure indexes the
// document without a vector; embedder may be nil.
//
// The item is loaded again after the write. A deletion that committed while
// the document was being embedded removes it again, so a slow reindex never
// resurrects an item that another path already dropped from the index.
func Reindex(ctx context.Context, src Source, idx Indexer, embedder embeddings.Embedder, id string) error {
	item, err := src.GetContent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return idx.Delete(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("load %s for indexing: %w", id, err)
	}

	topics, err := src.ListTopics(ctx, id)
	if err != nil {
		return fmt.Errorf("load topics for %s: %w", id, err)
	}
	slugs := make([]string, 0, len(topics))
	for _, t := range topics {
		slugs = append(slugs, t.Slug)
	}

	if err := Upsert(ctx, idx, embedder, item, slugs); err != nil {
		return err
	}

	_, err = src.GetContent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logrus.Debugf("%s was deleted while indexing, removing it", id)
		return idx.Delete(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("recheck %s after indexing: %w", id, err)
	}
	return nil
}

// Upsert embeds item and writes it to the index
func Upsert(ctx context.Context, idx Indexer, embedder embeddings.Embedder, item *models.ContentItem, topics []string) error {
	var vector []float32
	if embedder != nil {
		text := strings.TrimSpace(item.Title + "\n" + item.Body)
		v, err := embedder.Embed(ctx, text)
		if err != nil {
			logrus.Warnf("Indexing %s without embedding: %v", item.ID, err)
		} else {
			vector = v
		}
	}

	return idx.Upsert(ctx, NewDocument(item, topics), vector)
}
