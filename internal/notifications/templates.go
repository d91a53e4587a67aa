package notifications

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/citewalk/content-pipeline/internal/models"
)

type pushTemplate struct {
	title *template.Template
	body  *template.Template
}

type pushData struct {
	Actor string
}

func mustPush(title, body string) pushTemplate {
	return pushTemplate{
		title: template.Must(template.New("title").Parse(title)),
		body:  template.Must(template.New("body").Parse(body)),
	}
}

// Only these types produce a push outbox entry
var pushTemplates = map[models.NotificationType]pushTemplate{
	models.NotifyFollow:        mustPush("New follower", "{{.Actor}} started following you"),
	models.NotifyFollowRequest: mustPush("New follow request", "{{.Actor}} wants to follow you"),
	models.NotifyReply:         mustPush("New reply", "{{.Actor}} replied to your post"),
	models.NotifyQuote:         mustPush("Your post was quoted", "{{.Actor}} quoted your post"),
	models.NotifyMention:       mustPush("You were mentioned", "{{.Actor}} mentioned you"),
}

// IsPushable reports whether t produces a push notification
func IsPushable(t models.NotificationType) bool {
	_, ok := pushTemplates[t]
	return ok
}

// renderPush returns the title and body for a push of type t
func renderPush(t models.NotificationType, actor *models.User) (string, string, error) {
	tmpl, ok := pushTemplates[t]
	if !ok {
		return "", "", fmt.Errorf("no push template for %s", t)
	}

	data := pushData{Actor: actor.Name()}

	var title, body bytes.Buffer
	if err := tmpl.title.Execute(&title, data); err != nil {
		return "", "", fmt.Errorf("render push title: %w", err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render push body: %w", err)
	}
	return title.String(), body.String(), nil
}
