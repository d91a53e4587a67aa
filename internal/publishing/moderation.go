package publishing

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// Escalation is what a report triggered
type Escalation string

const (
	EscalationNone       Escalation = "none"
	EscalationRecheck    Escalation = "recheck"
	EscalationAutoDelete Escalation = "auto_delete"
)

// ReportRequest is a user report against an item
type ReportRequest struct {
	ReporterID string             `json:"reporter_id"`
	TargetID   string             `json:"target_id"`
	TargetType models.ContentKind `json:"target_type"`
	Reason     string             `json:"reason"`
}

// ReportOutcome tells the caller how many distinct reports the target has
type ReportOutcome struct {
	Count      int        `json:"count"`
	Escalation Escalation `json:"escalation"`
	Duplicate  bool       `json:"duplicate,omitempty"`
}

// SoftDelete removes an item on behalf of its author
func (s *Service) SoftDelete(ctx context.Context, authorID, itemID string) error {
	item, err := s.store.GetContent(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item.AuthorID != authorID {
		return fmt.Errorf("item %s: %w", itemID, ErrForbidden)
	}

	// Quote edges are gone from reads once the item is deleted
	edges, err := s.store.ListEdgesFrom(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}

	deleted, err := s.store.Compensate(ctx, itemID, nil)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if !deleted {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}

	logrus.Infof("Author %s deleted %s %s", authorID, item.Kind, itemID)
	s.afterDelete(item, edges)
	return nil
}

// Report records a report and escalates once the distinct report count
// crosses the configured thresholds
func (s *Service) Report(ctx context.Context, req ReportRequest) (*ReportOutcome, error) {
	item, err := s.store.GetContent(ctx, req.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("item %s: %w", req.TargetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	if req.TargetType != "" && req.TargetType != item.Kind {
		return nil, invalid("target_type", "does not match item %s", req.TargetID)
	}

	created, err := s.store.CreateReport(ctx, &models.Report{
		ReporterID: req.ReporterID,
		TargetID:   item.ID,
		TargetType: item.Kind,
		Reason:     req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("record report: %w", err)
	}

	count, err := s.store.CountReports(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}

	outcome := &ReportOutcome{Count: count, Escalation: EscalationNone, Duplicate: !created}
	if !created {
		return outcome, nil
	}

	switch {
	case count >= s.config.ReportAutoDeleteThreshold:
		if err := s.autoDelete(ctx, item, count); err != nil {
			return nil, err
		}
		outcome.Escalation = EscalationAutoDelete

	case count >= s.config.ReportRecheckThreshold:
		if _, err := s.queue.Enqueue(ctx, queue.ReportRecheck{TargetID: item.ID, TargetType: item.Kind}); err != nil {
			return nil, fmt.Errorf("enqueue recheck: %w", err)
		}
		outcome.Escalation = EscalationRecheck
	}

	logrus.WithFields(logrus.Fields{
		"target_id":  item.ID,
		"count":      count,
		"escalation": outcome.Escalation,
	}).Info("Recorded report")

	return outcome, nil
}

// autoDelete removes a heavily reported item without consulting the classifier
func (s *Service) autoDelete(ctx context.Context, item *models.ContentItem, count int) error {
	edges, err := s.store.ListEdgesFrom(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}

	deleted, err := s.store.Compensate(ctx, item.ID, &models.ModerationRecord{
		TargetType:      item.Kind,
		TargetID:        item.ID,
		AuthorID:        item.AuthorID,
		ReasonCode:      models.ReasonOther,
		ReasonText:      fmt.Sprintf("Removed after %d user reports.", count),
		Confidence:      1.0,
		ContentSnapshot: item.Body,
		Source:          models.SourceReportThreshold,
	})
	if err != nil {
		return fmt.Errorf("auto delete %s: %w", item.ID, err)
	}
	if !deleted {
		return nil
	}

	logrus.Warnf("Auto-deleted %s %s after %d reports", item.Kind, item.ID, count)

	if _, err := s.notifier.Create(ctx, notifications.ForItem(models.NotifyModeration, item.AuthorID, "", item)); err != nil {
		logrus.Errorf("Failed to notify %s of removal: %v", item.AuthorID, err)
	}

	s.afterDelete(item, edges)
	return nil
}

// afterDelete drops the item from search and refreshes items whose
// counters the delete changed
func (s *Service) afterDelete(item *models.ContentItem, edges []models.ReferenceEdge) {
	if s.indexer == nil {
		return
	}

	s.detacher.Go("unindex "+item.ID, func(ctx context.Context) error {
		return s.indexer.Delete(ctx, item.ID)
	})

	var refresh []string
	if item.IsReply() {
		refresh = append(refresh, item.PostID)
	}
	for _, e := range edges {
		if e.Type == models.EdgeQuote {
			refresh = append(refresh, e.ToID)
		}
	}
	for _, id := range refresh {
		id := id
		s.detacher.Go("reindex "+id, func(ctx context.Context) error {
			return search.Reindex(ctx, s.store, s.indexer, s.embedder, id)
		})
	}
}
