package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// PushStore is the outbox persistence used by PushSender
type PushStore interface {
	ListDeliverablePush(ctx context.Context, maxAttempts, limit int) ([]models.PushOutbox, error)
	UpdatePush(ctx context.Context, id string, status models.PushStatus, lastError string) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Mailer sends email messages
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// PushMessage is the payload posted to the push webhook
type PushMessage struct {
	UserID string            `json:"user_id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// DeliveryStats summarizes one outbox drain
type DeliveryStats struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}

// PushSender drains the push outbox via webhook and email
type PushSender struct {
	config *config.Config
	store  PushStore
	client *resty.Client
	mailer Mailer
}

// NewPushSender creates a sender. Email is enabled when SMTP is configured.
func NewPushSender(cfg *config.Config, store PushStore) *PushSender {
	s := &PushSender{
		config: cfg,
		store:  store,
		client: resty.New().SetTimeout(30 * time.Second),
	}
	if cfg.EmailEnabled() {
		s.mailer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}
	return s
}

// WithMailer replaces the email transport
func (s *PushSender) WithMailer(m Mailer) *PushSender {
	s.mailer = m
	return s
}

// DeliverPending sends up to limit deliverable outbox entries
func (s *PushSender) DeliverPending(ctx context.Context, limit int) (DeliveryStats, error) {
	var stats DeliveryStats

	entries, err := s.store.ListDeliverablePush(ctx, s.config.PushMaxAttempts, limit)
	if err != nil {
		return stats, fmt.Errorf("failed to list push outbox: %w", err)
	}

	for i := range entries {
		entry := &entries[i]
		status, lastErr := s.deliver(ctx, entry)

		if err := s.store.UpdatePush(ctx, entry.ID, status, lastErr); err != nil {
			logrus.Errorf("Failed to update push %s: %v", entry.ID, err)
			continue
		}

		switch status {
		case models.PushSent:
			stats.Sent++
		case models.PushFailed:
			stats.Failed++
		case models.PushSuppressed:
			stats.Suppressed++
		}
	}

	if len(entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"sent":       stats.Sent,
			"failed":     stats.Failed,
			"suppressed": stats.Suppressed,
		}).Info("Drained push outbox")
	}

	return stats, nil
}

func (s *PushSender) deliver(ctx context.Context, entry *models.PushOutbox) (models.PushStatus, string) {
	var errs []string
	attempted := 0

	if s.config.PushWebhookURL != "" {
		attempted++
		if err := s.sendToWebhook(ctx, entry); err != nil {
			logrus.Errorf("Failed to send push webhook for %s: %v", entry.ID, err)
			errs = append(errs, fmt.Sprintf("Webhook: %v", err))
		}
	}

	if s.mailer != nil {
		user, err := s.store.GetUser(ctx, entry.UserID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			attempted++
			errs = append(errs, fmt.Sprintf("Email: %v", err))
		case user.Email != "":
			attempted++
			if err := s.sendEmail(entry, user); err != nil {
				logrus.Errorf("Failed to send push email for %s: %v", entry.ID, err)
				errs = append(errs, fmt.Sprintf("Email: %v", err))
			}
		}
	}

	if attempted == 0 {
		return models.PushSuppressed, "no delivery channel"
	}

	if len(errs) < attempted {
		return models.PushSent, strings.Join(errs, "; ")
	}

	// This attempt is counted by UpdatePush
	if entry.Attempts+1 >= s.config.PushMaxAttempts {
		return models.PushSuppressed, strings.Join(errs, "; ")
	}
	return models.PushFailed, strings.Join(errs, "; ")
}

func (s *PushSender) sendToWebhook(ctx context.Context, entry *models.PushOutbox) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(PushMessage{
			UserID: entry.UserID,
			Type:   string(entry.Type),
			Title:  entry.Title,
			Body:   entry.Body,
			Data:   entry.Data,
		}).
		Post(s.config.PushWebhookURL)

	if err != nil {
		return fmt.Errorf("failed to send push message: %w", err)
	}

	if !resp.IsSuccess() {
		return fmt.Errorf("push webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .card { border-left: 4px solid #1a73e8; padding: 10px; background-color: #fafafa; }
    </style>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <div class="card">
        <strong>{{.Title}}</strong>
        <p>{{.Body}}</p>
    </div>
    <hr>
    <p><small>You can change which notifications you receive in your settings.</small></p>
</body>
</html>
`))

func (s *PushSender) sendEmail(entry *models.PushOutbox, user *models.User) error {
	var html bytes.Buffer
	err := emailTemplate.Execute(&html, map[string]string{
		"Name":  user.Name(),
		"Title": entry.Title,
		"Body":  entry.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	from := s.config.SMTPFrom
	if from == "" {
		from = s.config.SMTPUsername
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", user.Email)
	m.SetHeader("Subject", entry.Title)
	m.SetBody("text/plain", entry.Body)
	m.AddAlternative("text/html", html.String())

	if err := s.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
