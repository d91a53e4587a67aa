package models

import (
	"time"
)

// ContentKind distinguishes top-level posts from replies
type ContentKind string

const (
	KindPost  ContentKind = "POST"
	KindReply ContentKind = "REPLY"
)

// Visibility controls who can read a content item
type Visibility string

const (
	VisibilityPublic    Visibility = "PUBLIC"
	VisibilityFollowers Visibility = "FOLLOWERS"
)

// ParseVisibility returns the visibility for s, defaulting empty input to public
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(s) {
	case "":
		return VisibilityPublic, true
	case VisibilityPublic, VisibilityFollowers:
		return Visibility(s), true
	}
	return "", false
}

// ContentItem is a post or a reply
type ContentItem struct {
	ID                 string      `json:"id"`
	Kind               ContentKind `json:"kind"`
	AuthorID           string      `json:"author_id"`
	PostID             string      `json:"post_id,omitempty"`
	ParentReplyID      string      `json:"parent_reply_id,omitempty"`
	Title              string      `json:"title,omitempty"`
	Body               string      `json:"body"`
	Visibility         Visibility  `json:"visibility"`
	Lang               string      `json:"lang"`
	LangConfidence     float64     `json:"lang_confidence"`
	ReadingTimeMinutes int         `json:"reading_time_minutes"`
	ReplyCount         int         `json:"reply_count"`
	QuoteCount         int         `json:"quote_count"`
	ViewCount          int         `json:"view_count"`
	CreatedAt          time.Time   `json:"created_at"`
	DeletedAt          *time.Time  `json:"deleted_at,omitempty"`
}

// IsReply reports whether the item is a reply
func (c *ContentItem) IsReply() bool {
	return c.Kind == KindReply
}

// EdgeType is the type of a reference between two content items
type EdgeType string

const (
	EdgeLink  EdgeType = "LINK"
	EdgeQuote EdgeType = "QUOTE"
)

// ReferenceEdge is a directed reference from one content item to another
type ReferenceEdge struct {
	ID         string    `json:"id"`
	FromID     string    `json:"from_id"`
	ToID       string    `json:"to_id"`
	Type       EdgeType  `json:"type"`
	AnchorText string    `json:"anchor_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Topic is a deduplicated label keyed by slug
type Topic struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Mention links a content item to a mentioned account
type Mention struct {
	ID              string    `json:"id"`
	ContentID       string    `json:"content_id"`
	MentionedUserID string    `json:"mentioned_user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// ExternalSource is an off-platform URL cited by a content item
type ExternalSource struct {
	ID          string    `json:"id"`
	ContentID   string    `json:"content_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	SnapshotKey string    `json:"snapshot_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is the subset of an account the pipeline needs
type User struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Languages   []string  `json:"languages,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name returns the best human-readable name for the user
func (u *User) Name() string {
	if u == nil {
		return "Someone"
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Handle != "" {
		return u.Handle
	}
	return "Someone"
}

// ReasonCode is the closed set of moderation reasons
type ReasonCode string

const (
	ReasonSpam        ReasonCode = "SPAM"
	ReasonAdvertising ReasonCode = "ADVERTISING"
	ReasonHarassment  ReasonCode = "HARASSMENT"
	ReasonRepeated    ReasonCode = "REPEATED"
	ReasonViolence    ReasonCode = "VIOLENCE"
	ReasonHate        ReasonCode = "HATE"
	ReasonOther       ReasonCode = "OTHER"
)

// ParseReasonCode maps free-form codes onto the closed set, defaulting to OTHER
func ParseReasonCode(s string) ReasonCode {
	switch code := ReasonCode(s); code {
	case ReasonSpam, ReasonAdvertising, ReasonHarassment, ReasonRepeated,
		ReasonViolence, ReasonHate, ReasonOther:
		return code
	}
	return ReasonOther
}

// ModerationSource records which path produced a moderation decision
type ModerationSource string

const (
	SourceAsyncCheck      ModerationSource = "ASYNC_CHECK"
	SourceReportThreshold ModerationSource = "REPORT_THRESHOLD"
)

// MaxSnapshotLength caps the content snapshot kept on a moderation record
const MaxSnapshotLength = 10000

// ModerationRecord is an immutable audit entry for removed content
type ModerationRecord struct {
	ID              string           `json:"id"`
	TargetType      ContentKind      `json:"target_type"`
	TargetID        string           `json:"target_id"`
	AuthorID        string           `json:"author_id"`
	ReasonCode      ReasonCode       `json:"reason_code"`
	ReasonText      string           `json:"reason_text"`
	Confidence      float64          `json:"confidence"`
	ContentSnapshot string           `json:"content_snapshot"`
	Source          ModerationSource `json:"source"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NotificationType is the closed set of notification kinds
type NotificationType string

const (
	NotifyFollow        NotificationType = "FOLLOW"
	NotifyFollowRequest NotificationType = "FOLLOW_REQUEST"
	NotifyReply         NotificationType = "REPLY"
	NotifyQuote         NotificationType = "QUOTE"
	NotifyLike          NotificationType = "LIKE"
	NotifyMention       NotificationType = "MENTION"
	NotifyCollectionAdd NotificationType = "COLLECTION_ADD"
	NotifyDM            NotificationType = "DM"
	NotifyModeration    NotificationType = "MODERATION"
)

// Notification is a per-user activity entry
type Notification struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Type         NotificationType `json:"type"`
	ActorID      string           `json:"actor_id,omitempty"`
	PostID       string           `json:"post_id,omitempty"`
	ReplyID      string           `json:"reply_id,omitempty"`
	CollectionID string           `json:"collection_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ReadAt       *time.Time       `json:"read_at,omitempty"`
}

// PushStatus is the delivery state of a push outbox entry
type PushStatus string

const (
	PushPending    PushStatus = "pending"
	PushSent       PushStatus = "sent"
	PushFailed     PushStatus = "failed"
	PushSuppressed PushStatus = "suppressed"
)

// PushOutbox is a queued push notification awaiting delivery
type PushOutbox struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Status    PushStatus        `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
}

// Report is a user report against a content item
type Report struct {
	ID         string      `json:"id"`
	ReporterID string      `json:"reporter_id"`
	TargetID   string      `json:"target_id"`
	TargetType ContentKind `json:"target_type"`
	Reason     string      `json:"reason"`
	CreatedAt  time.Time   `json:"created_at"`
}
