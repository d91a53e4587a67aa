package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
)

// SourceUpdater persists enriched external sources
type SourceUpdater interface {
	UpdateExternalSource(ctx context.Context, src *models.ExternalSource) error
}

// Enricher fills in the metadata and archive snapshot of an external source
type Enricher struct {
	fetcher  MetadataFetcher
	archiver Archiver
	store    SourceUpdater
}

// NewEnricher creates an enricher. A nil archiver disables archival.
func NewEnricher(fetcher MetadataFetcher, archiver Archiver, store SourceUpdater) *Enricher {
	return &Enricher{fetcher: fetcher, archiver: archiver, store: store}
}

// Enrich fetches metadata and archives src, saving whatever succeeded.
// Author-supplied titles are kept.
func (e *Enricher) Enrich(ctx context.Context, src *models.ExternalSource) error {
	var errs []error
	changed := false

	if e.fetcher != nil {
		meta, err := e.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		} else {
			if src.Title == "" && meta.Title != "" {
				src.Title = meta.Title
				changed = true
			}
			if meta.Description != "" {
				src.Description = meta.Description
				changed = true
			}
		}
	}

	if e.archiver != nil {
		key, err := e.archiver.Archive(ctx, src.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		} else {
			src.SnapshotKey = key
			changed = true
		}
	}

	if changed {
		if err := e.store.UpdateExternalSource(ctx, src); err != nil {
			errs = append(errs, fmt.Errorf("update source: %w", err))
		}
	}

	if len(errs) > 0 {
		logrus.Warnf("External source %s partially enriched: %v", src.URL, errors.Join(errs...))
		return errors.Join(errs...)
	}

	logrus.Debugf("Enriched external source %s", src.URL)
	return nil
}
