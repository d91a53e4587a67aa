package sources

import (
	"context"
)

// Metadata is the preview information scraped from an external page
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	SiteName    string `json:"site_name,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Archiver captures a durable snapshot of an external URL and returns its blob key
type Archiver interface {
	Archive(ctx context.Context, url string) (string, error)
}

// MetadataFetcher scrapes preview metadata for an external URL
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string) (*Metadata, error)
}
