package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/embeddings"
	"github.com/citewalk/content-pipeline/internal/feed"
	"github.com/citewalk/content-pipeline/internal/graph"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/safety"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// Classifier runs the full safety check on stored content
type Classifier interface {
	CheckText(ctx context.Context, text, authorID string, opts safety.Options) safety.Verdict
}

// Dependencies are the collaborators of a Worker. Indexer, Embedder, Graph,
// Fanout and Metrics may be nil; the matching step is then skipped.
type Dependencies struct {
	Store      storage.Store
	Classifier Classifier
	Indexer    search.Indexer
	Embedder   embeddings.Embedder
	Graph      graph.Store
	Notifier   *notifications.Dispatcher
	Fanout     *feed.Fanout
	Metrics    *monitoring.Service
}

// Worker runs the enrichment steps for one job. Every step is idempotent so
// a redelivered job converges on the same state.
type Worker struct {
	store      storage.Store
	classifier Classifier
	indexer    search.Indexer
	embedder   embeddings.Embedder
	graph      graph.Store
	notifier   *notifications.Dispatcher
	fanout     *feed.Fanout
	metrics    *monitoring.Service
}

// New creates a worker
func New(deps Dependencies) *Worker {
	w := &Worker{
		store:      deps.Store,
		classifier: deps.Classifier,
		indexer:    deps.Indexer,
		embedder:   deps.Embedder,
		graph:      deps.Graph,
		notifier:   deps.Notifier,
		fanout:     deps.Fanout,
		metrics:    deps.Metrics,
	}
	if w.notifier == nil {
		w.notifier = notifications.NewDispatcher(deps.Store, nil)
	}
	return w
}

// Handle dispatches a job on its payload kind
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := job.Decode()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case queue.EnrichPost:
		return w.enrich(ctx, p.PostID)
	case queue.EnrichReply:
		return w.enrich(ctx, p.ReplyID)
	case queue.ReportRecheck:
		return w.recheck(ctx, p.TargetID)
	default:
		return fmt.Errorf("unsupported job kind %s", job.Kind)
	}
}

// load returns the live item, or nil when it is gone
func (w *Worker) load(ctx context.Context, id string) (*models.ContentItem, error) {
	item, err := w.store.GetContent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logrus.Debugf("Skipping %s: item no longer exists", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return item, nil
}

func (w *Worker) enrich(ctx context.Context, id string) error {
	item, err := w.load(ctx, id)
	if err != nil || item == nil {
		return err
	}

	verdict := w.classifier.CheckText(ctx, item.Body, item.AuthorID, safety.Options{ExcludeID: item.ID})
	if !verdict.Safe {
		return w.compensate(ctx, item, verdict, models.SourceAsyncCheck)
	}

	topics, err := w.store.ListTopics(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	edges, err := w.store.ListEdgesFrom(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	mentions, err := w.store.ListMentions(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load mentions: %w", err)
	}

	if w.indexer != nil {
		slugs := make([]string, 0, len(topics))
		for _, t := range topics {
			slugs = append(slugs, t.Slug)
		}
		if err := search.Upsert(ctx, w.indexer, w.embedder, item, slugs); err != nil {
			return err
		}
	}

	if w.graph != nil {
		if err := w.mergeGraph(ctx, item, topics, edges, mentions); err != nil {
			return err
		}
	}

	if err := w.notify(ctx, item, edges, mentions); err != nil {
		return err
	}

	if w.fanout != nil && !item.IsReply() {
		res, err := w.fanout.FanOut(ctx, item.ID, item.AuthorID)
		w.metrics.RecordFanOut(res)
		if err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"kind":     item.Kind,
		"topics":   len(topics),
		"edges":    len(edges),
		"mentions": len(mentions),
	}).Info("Enriched content")

	return nil
}

func itemNode(item *models.ContentItem) graph.Node {
	if item.IsReply() {
		return graph.Node{Label: graph.LabelReply, ID: item.ID}
	}
	return graph.Node{Label: graph.LabelPost, ID: item.ID}
}

func (w *Worker) mergeGraph(ctx context.Context, item *models.ContentItem, topics []models.Topic, edges []models.ReferenceEdge, mentions []models.Mention) error {
	node := itemNode(item)

	merge := func(from, to graph.Node, rel graph.Relation) error {
		if err := w.graph.MergeEdge(ctx, from, to, rel); err != nil {
			return fmt.Errorf("graph %s: %w", rel, err)
		}
		return nil
	}

	if err := merge(graph.Node{Label: graph.LabelUser, ID: item.AuthorID}, node, graph.RelAuthored); err != nil {
		return err
	}

	for _, t := range topics {
		if err := merge(node, graph.Node{Label: graph.LabelTopic, ID: t.Slug}, graph.RelInTopic); err != nil {
			return err
		}
	}

	for _, e := range edges {
		rel := graph.RelLinksTo
		if e.Type == models.EdgeQuote {
			rel = graph.RelQuotes
		}
		if err := merge(node, graph.Node{Label: graph.LabelPost, ID: e.ToID}, rel); err != nil {
			return err
		}
	}

	for _, m := range mentions {
		if err := merge(node, graph.Node{Label: graph.LabelUser, ID: m.MentionedUserID}, graph.RelMentions); err != nil {
			return err
		}
	}

	sources, err := w.store.ListExternalSources(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	for _, s := range sources {
		if err := merge(node, graph.Node{Label: graph.LabelURL, ID: s.URL}, graph.RelCites); err != nil {
			return err
		}
	}

	if item.IsReply() {
		if err := merge(node, graph.Node{Label: graph.LabelPost, ID: item.PostID}, graph.RelRepliedTo); err != nil {
			return err
		}
	}

	return nil
}

// notify sends the notifications implied by the item. The dispatcher is
// idempotent, so mentions already notified at publication collapse.
func (w *Worker) notify(ctx context.Context, item *models.ContentItem, edges []models.ReferenceEdge, mentions []models.Mention) error {
	send := func(t models.NotificationType, userID string) error {
		if _, err := w.notifier.Create(ctx, notifications.ForItem(t, userID, item.AuthorID, item)); err != nil {
			return fmt.Errorf("notify %s of %s: %w", userID, t, err)
		}
		return nil
	}

	for _, e := range edges {
		if e.Type != models.EdgeQuote {
			continue
		}
		quoted, err := w.load(ctx, e.ToID)
		if err != nil {
			return err
		}
		if quoted == nil || quoted.AuthorID == item.AuthorID {
			continue
		}
		if err := send(models.NotifyQuote, quoted.AuthorID); err != nil {
			return err
		}
	}

	for _, m := range mentions {
		if err := send(models.NotifyMention, m.MentionedUserID); err != nil {
			return err
		}
	}

	if item.IsReply() {
		parentID := item.PostID
		if item.ParentReplyID != "" {
			parentID = item.ParentReplyID
		}
		parent, err := w.load(ctx, parentID)
		if err != nil {
			return err
		}
		if parent != nil && parent.AuthorID != item.AuthorID {
			if err := send(models.NotifyReply, parent.AuthorID); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *Worker) recheck(ctx context.Context, id string) error {
	item, err := w.load(ctx, id)
	if err != nil || item == nil {
		return err
	}

	verdict := w.classifier.CheckText(ctx, item.Body, item.AuthorID, safety.Options{ExcludeID: item.ID})
	if verdict.Safe {
		logrus.Infof("Reported %s %s passed the recheck", item.Kind, item.ID)
		return nil
	}
	return w.compensate(ctx, item, verdict, models.SourceReportThreshold)
}

// compensate retracts an item the classifier rejected after publication. The
// soft delete is guarded, so counters and records change at most once.
func (w *Worker) compensate(ctx context.Context, item *models.ContentItem, verdict safety.Verdict, source models.ModerationSource) error {
	edges, err := w.store.ListEdgesFrom(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}

	deleted, err := w.store.Compensate(ctx, item.ID, &models.ModerationRecord{
		TargetType:      item.Kind,
		TargetID:        item.ID,
		AuthorID:        item.AuthorID,
		ReasonCode:      verdict.ReasonCode,
		ReasonText:      verdict.Reason,
		Confidence:      verdict.Confidence,
		ContentSnapshot: item.Body,
		Source:          source,
	})
	if err != nil {
		return fmt.Errorf("compensate %s: %w", item.ID, err)
	}
	if !deleted {
		return nil
	}

	w.metrics.RecordModeration(source, verdict.ReasonCode)
	logrus.WithFields(logrus.Fields{
		"item_id":     item.ID,
		"author_id":   item.AuthorID,
		"reason_code": verdict.ReasonCode,
		"confidence":  verdict.Confidence,
		"source":      source,
	}).Warn("Retracted published content")

	if w.indexer != nil {
		if err := w.indexer.Delete(ctx, item.ID); err != nil {
			logrus.Errorf("Failed to remove %s from search: %v", item.ID, err)
		}

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
			if err := search.Reindex(ctx, w.store, w.indexer, w.embedder, id); err != nil {
				logrus.Warnf("Failed to reindex %s: %v", id, err)
			}
		}
	}

	if _, err := w.notifier.Create(ctx, notifications.ForItem(models.NotifyModeration, item.AuthorID, "", item)); err != nil {
		logrus.Errorf("Failed to notify %s of removal: %v", item.AuthorID, err)
	}

	return nil
}
