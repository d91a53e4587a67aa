package publishing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/embeddings"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/safety"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// TextChecker is the safety gate run before anything is written
type TextChecker interface {
	CheckText(ctx context.Context, text, authorID string, opts safety.Options) safety.Verdict
}

// Enqueuer accepts enrichment jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload) (int64, error)
}

// SourceEnricher archives and describes a cited URL
type SourceEnricher interface {
	Enrich(ctx context.Context, src *models.ExternalSource) error
}

// Dependencies are the collaborators of a Service. Indexer, Embedder and
// Sources may be nil; the matching detached work is then skipped.
type Dependencies struct {
	Store      storage.Store
	Classifier TextChecker
	Queue      Enqueuer
	Indexer    search.Indexer
	Embedder   embeddings.Embedder
	Sources    SourceEnricher
	Notifier   *notifications.Dispatcher
	Language   LanguageDetector
	Detacher   *Detacher
}

// Service is the synchronous publication path
type Service struct {
	config     *config.Config
	store      storage.Store
	classifier TextChecker
	queue      Enqueuer
	indexer    search.Indexer
	embedder   embeddings.Embedder
	sources    SourceEnricher
	notifier   *notifications.Dispatcher
	language   LanguageDetector
	detacher   *Detacher
}

// NewService creates a publication service
func NewService(cfg *config.Config, deps Dependencies) *Service {
	s := &Service{
		config:     cfg,
		store:      deps.Store,
		classifier: deps.Classifier,
		queue:      deps.Queue,
		indexer:    deps.Indexer,
		embedder:   deps.Embedder,
		sources:    deps.Sources,
		notifier:   deps.Notifier,
		language:   deps.Language,
		detacher:   deps.Detacher,
	}

	if s.notifier == nil {
		s.notifier = notifications.NewDispatcher(deps.Store, nil)
	}
	if s.language == nil {
		s.language = NewStopwordDetector(deps.Store, cfg.DefaultLanguage, cfg.SupportedLanguages)
	}
	if s.detacher == nil {
		s.detacher = NewDetacher(0)
	}

	return s
}

// PublishRequest is the input of Publish. An empty visibility means public.
type PublishRequest struct {
	AuthorID   string `json:"author_id"`
	Body       string `json:"body"`
	Visibility string `json:"visibility"`
}

// ReplyRequest is the input of Reply
type ReplyRequest struct {
	AuthorID      string `json:"author_id"`
	PostID        string `json:"post_id"`
	ParentReplyID string `json:"parent_reply_id,omitempty"`
	Body          string `json:"body"`
}

// committed is what a publication transaction produced for after-commit work
type committed struct {
	notes   []*models.Notification
	sources []models.ExternalSource
}

// Publish creates a top-level post
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*models.ContentItem, error) {
	visibility, ok := models.ParseVisibility(req.Visibility)
	if !ok {
		return nil, invalid("visibility", "must be PUBLIC or FOLLOWERS")
	}

	item := &models.ContentItem{
		Kind:       models.KindPost,
		AuthorID:   req.AuthorID,
		Body:       req.Body,
		Visibility: visibility,
	}
	if err := s.prepare(ctx, item, 1, s.config.PostMaxBody, safety.Options{}); err != nil {
		return nil, err
	}

	res, err := s.persist(ctx, item, nil)
	if err != nil {
		return nil, fmt.Errorf("publish post: %w", err)
	}

	s.afterCommit(ctx, item, res, queue.EnrichPost{PostID: item.ID, AuthorID: item.AuthorID})
	return item, nil
}

// Reply creates a reply under a post, optionally nested under a top-level reply
func (s *Service) Reply(ctx context.Context, req ReplyRequest) (*models.ContentItem, error) {
	post, err := s.store.GetContent(ctx, req.PostID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && post.Kind != models.KindPost) {
		return nil, fmt.Errorf("post %s: %w", req.PostID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}

	if req.ParentReplyID != "" {
		parent, err := s.store.GetContent(ctx, req.ParentReplyID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, invalid("parent_reply_id", "parent reply does not exist")
		case err != nil:
			return nil, fmt.Errorf("load parent reply: %w", err)
		case parent.Kind != models.KindReply || parent.PostID != post.ID:
			return nil, invalid("parent_reply_id", "parent reply belongs to another post")
		case parent.ParentReplyID != "":
			return nil, invalid("parent_reply_id", "maximum reply depth exceeded")
		}
	}

	item := &models.ContentItem{
		Kind:          models.KindReply,
		AuthorID:      req.AuthorID,
		PostID:        post.ID,
		ParentReplyID: req.ParentReplyID,
		Body:          req.Body,
		Visibility:    post.Visibility,
	}
	if err := s.prepare(ctx, item, 2, s.config.ReplyMaxBody, safety.Options{OnlyFast: true}); err != nil {
		return nil, err
	}

	res, err := s.persist(ctx, item, nil)
	if err != nil {
		return nil, fmt.Errorf("publish reply: %w", err)
	}

	s.afterCommit(ctx, item, res, queue.EnrichReply{ReplyID: item.ID, PostID: item.PostID, AuthorID: item.AuthorID}, post.ID)
	return item, nil
}

// Quote publishes commentary on an existing post
func (s *Service) Quote(ctx context.Context, authorID, quotedID, commentary string) (*models.ContentItem, error) {
	commentary = strings.TrimSpace(commentary)
	if commentary == "" {
		return nil, invalid("commentary", "is required")
	}

	quoted, err := s.store.GetContent(ctx, quotedID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && quoted.Kind != models.KindPost) {
		return nil, fmt.Errorf("quoted post %s: %w", quotedID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load quoted post: %w", err)
	}

	item := &models.ContentItem{
		Kind:       models.KindPost,
		AuthorID:   authorID,
		Body:       fmt.Sprintf("%s\n\n[[post:%s]]", commentary, quoted.ID),
		Visibility: models.VisibilityPublic,
	}
	if err := s.prepare(ctx, item, 1, s.config.PostMaxBody, safety.Options{}); err != nil {
		return nil, err
	}

	res, err := s.persist(ctx, item, func(tx storage.Tx) error {
		if err := tx.CreateEdge(ctx, &models.ReferenceEdge{FromID: item.ID, ToID: quoted.ID, Type: models.EdgeQuote}); err != nil {
			return err
		}
		return tx.AdjustCounter(ctx, quoted.ID, storage.CounterQuotes, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("publish quote: %w", err)
	}

	s.afterCommit(ctx, item, res, queue.EnrichPost{PostID: item.ID, AuthorID: item.AuthorID}, quoted.ID)
	return item, nil
}

// prepare validates, sanitizes and classifies the body, then fills in the
// derived fields of item
func (s *Service) prepare(ctx context.Context, item *models.ContentItem, minLen, maxLen int, opts safety.Options) error {
	body := strings.TrimSpace(item.Body)
	if body == "" {
		return invalid("body", "must not be empty")
	}
	if n := runeLen(body); n < minLen {
		return invalid("body", "must be at least %d characters", minLen)
	} else if maxLen > 0 && n > maxLen {
		return invalid("body", "must be at most %d characters", maxLen)
	}

	body = strings.TrimSpace(sanitize(body))
	if body == "" {
		return invalid("body", "must contain text")
	}

	verdict := s.classifier.CheckText(ctx, body, item.AuthorID, opts)
	if !verdict.Safe {
		logrus.WithFields(logrus.Fields{
			"author_id":   item.AuthorID,
			"kind":        item.Kind,
			"reason_code": verdict.ReasonCode,
			"confidence":  verdict.Confidence,
		}).Info("Rejected content on publication")
		return &ContentPolicyError{ReasonCode: verdict.ReasonCode, Reason: verdict.Reason}
	}

	item.Body = body
	if item.Kind == models.KindPost {
		item.Title = deriveTitle(body)
	}

	var profile []string
	author, err := s.store.GetUser(ctx, item.AuthorID)
	switch {
	case err == nil:
		profile = author.Languages
	case !errors.Is(err, storage.ErrNotFound):
		logrus.Warnf("Failed to load author %s for language detection: %v", item.AuthorID, err)
	}
	item.Lang, item.LangConfidence = s.language.Detect(ctx, body, item.AuthorID, profile)
	item.ReadingTimeMinutes = readingTime(body)

	return nil
}

// persist writes item and everything parsed from its body in one transaction
func (s *Service) persist(ctx context.Context, item *models.ContentItem, extra func(tx storage.Tx) error) (*committed, error) {
	res := &committed{}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateContent(ctx, item); err != nil {
			return err
		}

		if item.IsReply() {
			if err := tx.AdjustCounter(ctx, item.PostID, storage.CounterReplies, 1); err != nil {
				return fmt.Errorf("increment reply count: %w", err)
			}
		}

		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		sources, err := s.persistReferences(ctx, tx, item)
		if err != nil {
			return err
		}
		res.sources = sources

		notes, err := s.persistMentions(ctx, tx, item)
		if err != nil {
			return err
		}
		res.notes = notes

		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) persistReferences(ctx context.Context, tx storage.Tx, item *models.ContentItem) ([]models.ExternalSource, error) {
	var sources []models.ExternalSource
	linked := map[string]bool{}
	cited := map[string]bool{}

	refs := append(parseWikilinks(item.Body), parseMarkdownLinks(item.Body)...)
	for _, ref := range refs {
		switch ref.kind {
		case refPost:
			id := strings.ToLower(ref.target)
			if !isValidUUID(id) || linked[id] {
				continue
			}
			_, err := tx.GetContent(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve link %s: %w", id, err)
			}
			edge := &models.ReferenceEdge{FromID: item.ID, ToID: id, Type: models.EdgeLink, AnchorText: ref.alias}
			if err := tx.CreateEdge(ctx, edge); err != nil {
				return nil, err
			}
			linked[id] = true

		case refURL:
			if cited[ref.target] {
				continue
			}
			src := models.ExternalSource{ContentID: item.ID, URL: ref.target, Title: ref.alias}
			if err := tx.CreateExternalSource(ctx, &src); err != nil {
				return nil, err
			}
			cited[ref.target] = true
			sources = append(sources, src)

		case refTopic:
			slug := slugify(ref.target)
			if slug == "" {
				continue
			}
			topic, err := tx.FindOrCreateTopic(ctx, slug, ref.target, item.AuthorID)
			if err != nil {
				return nil, err
			}
			if err := tx.AttachTopic(ctx, item.ID, topic.ID); err != nil {
				return nil, err
			}
		}
	}

	return sources, nil
}

func (s *Service) persistMentions(ctx context.Context, tx storage.Tx, item *models.ContentItem) ([]*models.Notification, error) {
	var notes []*models.Notification
	seen := map[string]bool{}

	for _, handle := range parseMentions(item.Body) {
		user, err := tx.FindUserByHandle(ctx, handle)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve @%s: %w", handle, err)
		}
		if user.ID == item.AuthorID || seen[user.ID] {
			continue
		}
		seen[user.ID] = true

		if err := tx.CreateMention(ctx, &models.Mention{ContentID: item.ID, MentionedUserID: user.ID}); err != nil {
			return nil, err
		}

		n, created, err := s.notifier.CreateTx(ctx, tx, notifications.ForItem(models.NotifyMention, user.ID, item.AuthorID, item))
		if err != nil {
			return nil, err
		}
		if created {
			notes = append(notes, n)
		}
	}

	return notes, nil
}

// afterCommit runs the best-effort work that follows a publication. None of
// it can fail the request. reindex names items whose counters changed.
func (s *Service) afterCommit(ctx context.Context, item *models.ContentItem, res *committed, job queue.Payload, reindex ...string) {
	s.notifier.Deliver(ctx, res.notes...)

	if id, err := s.queue.Enqueue(ctx, job); err != nil {
		logrus.Errorf("Failed to enqueue %s for %s: %v", job.Kind(), item.ID, err)
	} else {
		logrus.WithFields(logrus.Fields{
			"job_id":  id,
			"kind":    job.Kind(),
			"item_id": item.ID,
		}).Debug("Enqueued enrichment job")
	}

	if s.indexer != nil {
		id := item.ID
		s.detacher.Go("index "+id, func(ctx context.Context) error {
			return search.Reindex(ctx, s.store, s.indexer, s.embedder, id)
		})
		for _, id := range reindex {
			id := id
			s.detacher.Go("reindex "+id, func(ctx context.Context) error {
				return search.Reindex(ctx, s.store, s.indexer, s.embedder, id)
			})
		}
	}

	if s.sources != nil {
		for _, src := range res.sources {
			src := src
			s.detacher.Go("enrich source "+src.URL, func(ctx context.Context) error {
				return s.sources.Enrich(ctx, &src)
			})
		}
	}
}
