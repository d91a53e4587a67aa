package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// Request describes a notification to create
type Request struct {
	UserID       string
	Type         models.NotificationType
	ActorID      string
	PostID       string
	ReplyID      string
	CollectionID string
}

func (r Request) key() storage.NotificationKey {
	return storage.NotificationKey{
		UserID:       r.UserID,
		Type:         r.Type,
		ActorID:      r.ActorID,
		PostID:       r.PostID,
		ReplyID:      r.ReplyID,
		CollectionID: r.CollectionID,
	}
}

// ForItem builds a request of type t about item. Replies reference both the
// post and the reply.
func ForItem(t models.NotificationType, userID, actorID string, item *models.ContentItem) Request {
	req := Request{
		UserID:  userID,
		Type:    t,
		ActorID: actorID,
		PostID:  item.ID,
	}
	if item.IsReply() {
		req.PostID = item.PostID
		req.ReplyID = item.ID
	}
	return req
}

// Store is the persistence the dispatcher needs
type Store interface {
	InTx(ctx context.Context, fn func(tx storage.Tx) error) error
	FindNotification(ctx context.Context, key storage.NotificationKey) (*models.Notification, error)
}

// Dispatcher creates notifications idempotently and fans them out
type Dispatcher struct {
	store    Store
	realtime Realtime
}

// NewDispatcher creates a dispatcher. realtime may be nil.
func NewDispatcher(store Store, realtime Realtime) *Dispatcher {
	return &Dispatcher{store: store, realtime: realtime}
}

// Create persists a notification and its push entry, then delivers it in
// realtime. Self-notifications return nil. A repeated request returns the
// existing notification without delivering it again.
func (d *Dispatcher) Create(ctx context.Context, req Request) (*models.Notification, error) {
	if req.ActorID == req.UserID {
		return nil, nil
	}

	existing, err := d.store.FindNotification(ctx, req.key())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up notification: %w", err)
	}

	var n *models.Notification
	var created bool
	err = d.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		n, created, err = d.CreateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		d.Deliver(ctx, n)
	}
	return n, nil
}

// CreateTx writes the notification and push entry with tx. It reports
// whether the notification is new; callers deliver new ones after commit.
func (d *Dispatcher) CreateTx(ctx context.Context, tx storage.Queries, req Request) (*models.Notification, bool, error) {
	if req.ActorID == req.UserID {
		return nil, false, nil
	}

	n := &models.Notification{
		UserID:       req.UserID,
		Type:         req.Type,
		ActorID:      req.ActorID,
		PostID:       req.PostID,
		ReplyID:      req.ReplyID,
		CollectionID: req.CollectionID,
	}

	created, err := tx.CreateNotification(ctx, n)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create %s notification: %w", req.Type, err)
	}
	if !created {
		existing, err := tx.FindNotification(ctx, req.key())
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing notification: %w", err)
		}
		return existing, false, nil
	}

	if IsPushable(req.Type) {
		if err := d.enqueuePush(ctx, tx, n); err != nil {
			return nil, false, err
		}
	}

	return n, true, nil
}

func (d *Dispatcher) enqueuePush(ctx context.Context, tx storage.Queries, n *models.Notification) error {
	var actor *models.User
	if n.ActorID != "" {
		u, err := tx.GetUser(ctx, n.ActorID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load actor: %w", err)
		}
		actor = u
	}

	title, body, err := renderPush(n.Type, actor)
	if err != nil {
		return err
	}

	data := map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
	}
	if n.ActorID != "" {
		data["actor_id"] = n.ActorID
	}
	if n.PostID != "" {
		data["post_id"] = n.PostID
	}
	if n.ReplyID != "" {
		data["reply_id"] = n.ReplyID
	}

	if err := tx.EnqueuePush(ctx, &models.PushOutbox{
		UserID: n.UserID,
		Type:   n.Type,
		Title:  title,
		Body:   body,
		Data:   data,
	}); err != nil {
		return fmt.Errorf("failed to enqueue push: %w", err)
	}
	return nil
}

// Deliver sends realtime events for committed notifications
func (d *Dispatcher) Deliver(ctx context.Context, notes ...*models.Notification) {
	if d.realtime == nil {
		return
	}
	for _, n := range notes {
		if n == nil {
			continue
		}
		d.realtime.SendToUser(ctx, n.UserID, Event{Type: "notification", Notification: n})
		logrus.Debugf("Delivered %s notification %s to %s", n.Type, n.ID, n.UserID)
	}
}
