package queue

import (
	"encoding/json"
	"fmt"

	"github.com/citewalk/content-pipeline/internal/models"
)

// Kind tags a job payload
type Kind string

const (
	KindEnrichPost    Kind = "enrich.post"
	KindEnrichReply   Kind = "enrich.reply"
	KindReportRecheck Kind = "report.recheck"
)

// Payload is implemented by every job variant
type Payload interface {
	Kind() Kind
}

// EnrichPost runs the enrichment pipeline for a new top-level post
type EnrichPost struct {
	PostID   string `json:"post_id"`
	AuthorID string `json:"author_id"`
}

func (EnrichPost) Kind() Kind { return KindEnrichPost }

// EnrichReply runs the enrichment pipeline for a new reply
type EnrichReply struct {
	ReplyID  string `json:"reply_id"`
	PostID   string `json:"post_id"`
	AuthorID string `json:"author_id"`
}

func (EnrichReply) Kind() Kind { return KindEnrichReply }

// ReportRecheck re-classifies content after it crossed the report threshold
type ReportRecheck struct {
	TargetID   string             `json:"target_id"`
	TargetType models.ContentKind `json:"target_type"`
}

func (ReportRecheck) Kind() Kind { return KindReportRecheck }

// Decode turns a stored payload back into its typed variant
func Decode(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindEnrichPost:
		var v EnrichPost
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindEnrichReply:
		var v EnrichReply
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindReportRecheck:
		var v ReportRecheck
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return p, nil
}
