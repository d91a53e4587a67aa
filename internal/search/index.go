package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
)

// Indexer is the write side of the search index
type Indexer interface {
	Upsert(ctx context.Context, doc Document, vector []float32) error
	Delete(ctx context.Context, id string) error
}

// Index wraps a Bleve search index
type Index struct {
	index bleve.Index
}

// Ensure Index implements Indexer
var _ Indexer = (*Index)(nil)

// Document is the searchable projection of a content item
type Document struct {
	ID         string
	Kind       string
	AuthorID   string
	PostID     string
	Title      string
	Body       string
	Lang       string
	Topics     []string
	ReplyCount int
	QuoteCount int
	CreatedAt  time.Time
}

// indexedDocument is what Bleve walks; the vector is a stored, unindexed field
type indexedDocument struct {
	ID         string
	Kind       string
	AuthorID   string
	PostID     string
	Title      string
	Body       string
	Lang       string
	Topics     []string
	ReplyCount int
	QuoteCount int
	CreatedAt  time.Time
	Vector     string
}

// Result is a search hit
type Result struct {
	ID        string
	Kind      string
	Title     string
	AuthorID  string
	Score     float64
	Vector    []float32
	Fragments map[string][]string
}

// NewDocument projects a content item and its topic slugs
func NewDocument(item *models.ContentItem, topics []string) Document {
	return Document{
		ID:         item.ID,
		Kind:       string(item.Kind),
		AuthorID:   item.AuthorID,
		PostID:     item.PostID,
		Title:      item.Title,
		Body:       item.Body,
		Lang:       item.Lang,
		Topics:     topics,
		ReplyCount: item.ReplyCount,
		QuoteCount: item.QuoteCount,
		CreatedAt:  item.CreatedAt,
	}
}

// Open opens or creates a Bleve index at path
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
		logrus.Infof("Created search index at %s", path)
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenMemory creates an in-memory index
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()

	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = "en"

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name
	keywordFieldMapping.IncludeInAll = false

	vectorFieldMapping := bleve.NewTextFieldMapping()
	vectorFieldMapping.Index = false
	vectorFieldMapping.IncludeInAll = false
	vectorFieldMapping.IncludeTermVectors = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("ID", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Kind", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("AuthorID", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("PostID", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Lang", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Title", titleFieldMapping)
	docMapping.AddFieldMappingsAt("Body", textFieldMapping)
	docMapping.AddFieldMappingsAt("Topics", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("ReplyCount", bleve.NewNumericFieldMapping())
	docMapping.AddFieldMappingsAt("QuoteCount", bleve.NewNumericFieldMapping())
	docMapping.AddFieldMappingsAt("CreatedAt", bleve.NewDateTimeFieldMapping())
	docMapping.AddFieldMappingsAt("Vector", vectorFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// Upsert adds or replaces a document. A nil vector is stored as absent.
func (i *Index) Upsert(ctx context.Context, doc Document, vector []float32) error {
	indexed := indexedDocument{
		ID:         doc.ID,
		Kind:       doc.Kind,
		AuthorID:   doc.AuthorID,
		PostID:     doc.PostID,
		Title:      doc.Title,
		Body:       doc.Body,
		Lang:       doc.Lang,
		Topics:     doc.Topics,
		ReplyCount: doc.ReplyCount,
		QuoteCount: doc.QuoteCount,
		CreatedAt:  doc.CreatedAt,
	}
	if vector != nil {
		data, err := json.Marshal(vector)
		if err != nil {
			return fmt.Errorf("encode vector for %s: %w", doc.ID, err)
		}
		indexed.Vector = string(data)
	}

	if err := i.index.Index(doc.ID, indexed); err != nil {
		return fmt.Errorf("index %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes a document from the index
func (i *Index) Delete(ctx context.Context, id string) error {
	if err := i.index.Delete(id); err != nil {
		return fmt.Errorf("delete %s from index: %w", id, err)
	}
	return nil
}

// Search runs a query string search with highlighting
func (i *Index) Search(ctx context.Context, queryStr string, limit int) ([]*Result, error) {
	query := bleve.NewQueryStringQuery(queryStr)

	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"Title", "Kind", "AuthorID"}

	results, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var out []*Result
	for _, hit := range results.Hits {
		result := &Result{
			ID:        hit.ID,
			Score:     hit.Score,
			Fragments: hit.Fragments,
		}
		if title, ok := hit.Fields["Title"].(string); ok {
			result.Title = title
		}
		if kind, ok := hit.Fields["Kind"].(string); ok {
			result.Kind = kind
		}
		if author, ok := hit.Fields["AuthorID"].(string); ok {
			result.AuthorID = author
		}
		out = append(out, result)
	}

	return out, nil
}

// Get returns the stored fields of one document, or nil if it is not indexed
func (i *Index) Get(ctx context.Context, id string) (*Result, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{"Title", "Kind", "AuthorID", "Vector"}

	results, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(results.Hits) == 0 {
		return nil, nil
	}

	hit := results.Hits[0]
	result := &Result{ID: hit.ID}
	result.Title, _ = hit.Fields["Title"].(string)
	result.Kind, _ = hit.Fields["Kind"].(string)
	result.AuthorID, _ = hit.Fields["AuthorID"].(string)
	if raw, ok := hit.Fields["Vector"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &result.Vector); err != nil {
			return nil, fmt.Errorf("decode vector for %s: %w", id, err)
		}
	}
	return result, nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
