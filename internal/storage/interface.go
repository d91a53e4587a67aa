package storage

import (
	"context"
	"errors"

	"github.com/citewalk/content-pipeline/internal/models"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted
var ErrNotFound = errors.New("not found")

// Counter names a content counter column
type Counter string

const (
	CounterReplies Counter = "reply_count"
	CounterQuotes  Counter = "quote_count"
	CounterViews   Counter = "view_count"
)

// NotificationKey is the idempotency key for notifications
type NotificationKey struct {
	UserID       string
	Type         models.NotificationType
	ActorID      string
	PostID       string
	ReplyID      string
	CollectionID string
}

// Queries are the operations available both on the store and inside a transaction
type Queries interface {
	CreateContent(ctx context.Context, item *models.ContentItem) error
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)
	AdjustCounter(ctx context.Context, id string, counter Counter, delta int) error
	SoftDeleteContent(ctx context.Context, id string) (bool, error)

	CreateEdge(ctx context.Context, edge *models.ReferenceEdge) error
	ListEdgesFrom(ctx context.Context, contentID string) ([]models.ReferenceEdge, error)

	FindOrCreateTopic(ctx context.Context, slug, title, createdBy string) (*models.Topic, error)
	AttachTopic(ctx context.Context, contentID, topicID string) error
	ListTopics(ctx context.Context, contentID string) ([]models.Topic, error)

	CreateExternalSource(ctx context.Context, src *models.ExternalSource) error
	ListExternalSources(ctx context.Context, contentID string) ([]models.ExternalSource, error)

	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByHandle(ctx context.Context, handle string) (*models.User, error)
	CreateMention(ctx context.Context, mention *models.Mention) error
	ListMentions(ctx context.Context, contentID string) ([]models.Mention, error)

	FindNotification(ctx context.Context, key NotificationKey) (*models.Notification, error)
	CreateNotification(ctx context.Context, n *models.Notification) (bool, error)
	EnqueuePush(ctx context.Context, entry *models.PushOutbox) error

	CreateModerationRecord(ctx context.Context, record *models.ModerationRecord) error
}

// Tx is a unit of work against the relational store
type Tx interface {
	Queries
}

// Store is the primary relational record store
type Store interface {
	Queries

	// InTx runs fn in a transaction, committing if it returns nil
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Compensate soft-deletes an item and applies the inverse counter updates
	// once. The record, if not nil, is written only when this call performed
	// the delete.
	Compensate(ctx context.Context, id string, record *models.ModerationRecord) (bool, error)

	CreateUser(ctx context.Context, user *models.User) error
	Follow(ctx context.Context, followerID, followeeID string) error
	ListFollowers(ctx context.Context, userID string, page, pageSize int) ([]string, error)

	RecentBodies(ctx context.Context, authorID, excludeID string, limit int) ([]string, error)
	MostCommonLanguage(ctx context.Context, authorID string) (string, error)
	ListLiveContentIDs(ctx context.Context) ([]string, error)
	UpdateExternalSource(ctx context.Context, src *models.ExternalSource) error

	PushFeed(ctx context.Context, userID, postID string, maxLen int) error
	RecentFeed(ctx context.Context, userID string, limit int) ([]string, error)

	CreateReport(ctx context.Context, report *models.Report) (bool, error)
	CountReports(ctx context.Context, targetID string) (int, error)
	ListModerationRecords(ctx context.Context, targetID string) ([]models.ModerationRecord, error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	ListDeliverablePush(ctx context.Context, maxAttempts, limit int) ([]models.PushOutbox, error)
	UpdatePush(ctx context.Context, id string, status models.PushStatus, lastError string) error

	Close() error
}

// BlobStore holds opaque snapshots keyed by name
type BlobStore interface {
	Store(ctx context.Context, key string, data []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
