package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/storage"
)

type stubSource struct {
	items  map[string]*models.ContentItem
	topics map[string][]models.Topic
}

func (s *stubSource) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	return nil, storage.ErrNotFound
}

func (s *stubSource) ListTopics(ctx context.Context, contentID string) ([]models.Topic, error) {
	return s.topics[contentID], nil
}

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vector, s.err
}

func TestReindex(t *testing.T) {
	src := &stubSource{
		items: map[string]*models.ContentItem{
			"p1": {ID: "p1", Kind: models.KindPost, Title: "Graphs", Body: "Edges and nodes"},
		},
		topics: map[string][]models.Topic{
			"p1": {{Slug: "graph-theory"}},
		},
	}

	tests := []struct {
		name       string
		embedder   *stubEmbedder
		wantVector []float32
	}{
		{name: "with embedding", embedder: &stubEmbedder{vector: []float32{1, 2}}, wantVector: []float32{1, 2}},
		{name: "embedding failure indexes without vector", embedder: &stubEmbedder{err: errors.New("breaker open")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newTestIndex(t)
			ctx := context.Background()

			require.NoError(t, Reindex(ctx, src, idx, tt.embedder, "p1"))

			got, err := idx.Get(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantVector, got.Vector)

			results, err := idx.Search(ctx, "nodes", 10)
			require.NoError(t, err)
			assert.Len(t, results, 1)
		})
	}
}

func TestReindex_MissingItemIsRemoved(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, Document{ID: "gone", Kind: "POST", Body: "stale"}, nil))

	require.NoError(t, Reindex(ctx, &stubSource{}, idx, nil, "gone"))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}

// deletingEmbedder drops the item from its source while embedding it
type deletingEmbedder struct {
	src *stubSource
	id  string
}

func (d *deletingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	delete(d.src.items, d.id)
	return []float32{1}, nil
}

func TestReindex_DeletedDuringEmbeddingIsRemoved(t *testing.T) {
	src := &stubSource{items: map[string]*models.ContentItem{
		"p1": {ID: "p1", Kind: models.KindReply, Body: "cheap pills"},
	}}
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, Reindex(ctx, src, idx, &deletingEmbedder{src: src, id: "p1"}, "p1"))

	got, err := idx.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}
