package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/publishing"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/safety"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

type keywordClassifier struct{}

func (keywordClassifier) CheckText(ctx context.Context, text, authorID string, opts safety.Options) safety.Verdict {
	if strings.Contains(text, "forbidden") {
		return safety.Verdict{Safe: false, ReasonCode: models.ReasonHate, Reason: "Content violates the hate speech policy.", Confidence: 0.9}
	}
	return safety.Verdict{Safe: true, Confidence: 0.9}
}

type testServer struct {
	handler http.Handler
	store   *storage.SQLiteStore
	queue   *queue.SQLiteQueue
	index   *search.Index
	hub     *notifications.Hub
	alice   string
	bob     string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewSQLiteQueue(store.Conn(), queue.Options{MaxAttempts: 1})
	require.NoError(t, err)

	index, err := search.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	hub := notifications.NewHub()
	monitor := monitoring.NewService(nil, q)
	cfg := &config.Config{
		PostMaxBody:               10000,
		ReplyMaxBody:              1000,
		DefaultLanguage:           "en",
		ReportRecheckThreshold:    2,
		ReportAutoDeleteThreshold: 5,
	}

	publisher := publishing.NewService(cfg, publishing.Dependencies{
		Store:      store,
		Classifier: keywordClassifier{},
		Queue:      q,
		Notifier:   notifications.NewDispatcher(store, hub),
	})

	ts := &testServer{store: store, queue: q, index: index, hub: hub}
	for _, handle := range []string{"alice", "bob"} {
		u := &models.User{Handle: handle}
		require.NoError(t, store.CreateUser(context.Background(), u))
		if handle == "alice" {
			ts.alice = u.ID
		} else {
			ts.bob = u.ID
		}
	}

	ts.handler = NewServer(Dependencies{
		Publisher: publisher,
		Store:     store,
		Jobs:      q,
		Search:    index,
		Hub:       hub,
		Monitor:   monitor,
	}).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) publish(t *testing.T, user, body string) models.ContentItem {
	t.Helper()
	rec := ts.do(t, "POST", "/v1/posts", user, map[string]string{"body": body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var item models.ContentItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	return item
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupServer(t)

	rec := ts.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = ts.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "jobs_succeeded")
}

func TestRequiresUserHeader(t *testing.T) {
	ts := setupServer(t)

	rec := ts.do(t, "POST", "/v1/posts", "", map[string]string{"body": "hello"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, errorOf(t, rec), UserHeader)
}

func TestCreatePost(t *testing.T) {
	ts := setupServer(t)
	item := ts.publish(t, ts.alice, "# Title\nSome body text")

	assert.Equal(t, models.KindPost, item.Kind)
	assert.Equal(t, ts.alice, item.AuthorID)
	assert.Equal(t, "Title", item.Title)

	stats, err := ts.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusPending])
}

func TestErrorMapping(t *testing.T) {
	ts := setupServer(t)
	post := ts.publish(t, ts.alice, "The original post")

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       any
		wantStatus int
		wantError  string
	}{
		{name: "empty body", method: "POST", path: "/v1/posts", body: map[string]string{"body": ""}, wantStatus: http.StatusBadRequest, wantError: "invalid body"},
		{name: "malformed json", method: "POST", path: "/v1/posts", body: "{not json", wantStatus: http.StatusBadRequest, wantError: "malformed JSON"},
		{name: "policy rejection", method: "POST", path: "/v1/posts", body: map[string]string{"body": "this is forbidden"}, wantStatus: http.StatusUnprocessableEntity, wantError: "hate speech"},
		{name: "reply to unknown post", method: "POST", path: "/v1/posts/00000000-0000-0000-0000-000000000000/replies", body: map[string]string{"body": "hello"}, wantStatus: http.StatusNotFound},
		{name: "quote without commentary", method: "POST", path: "/v1/posts/" + post.ID + "/quotes", body: map[string]string{"commentary": ""}, wantStatus: http.StatusBadRequest},
		{name: "delete someone else's post", method: "DELETE", path: "/v1/content/" + post.ID, user: "bob", wantStatus: http.StatusForbidden},
		{name: "unknown notification", method: "POST", path: "/v1/notifications/nope/read", wantStatus: http.StatusNotFound},
		{name: "replay bad id", method: "POST", path: "/v1/admin/jobs/abc/replay", wantStatus: http.StatusBadRequest},
		{name: "replay unknown job", method: "POST", path: "/v1/admin/jobs/999/replay", wantStatus: http.StatusNotFound},
		{name: "search without query", method: "GET", path: "/v1/search", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := ts.alice
			if tt.user == "bob" {
				user = ts.bob
			}
			rec := ts.do(t, tt.method, tt.path, user, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			msg := errorOf(t, rec)
			assert.NotEmpty(t, msg)
			if tt.wantError != "" {
				assert.Contains(t, msg, tt.wantError)
			}
		})
	}
}

func TestReplyQuoteDeleteFlow(t *testing.T) {
	ts := setupServer(t)
	post := ts.publish(t, ts.alice, "A post to discuss")

	rec := ts.do(t, "POST", "/v1/posts/"+post.ID+"/replies", ts.bob, map[string]string{"body": "Nice one"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reply models.ContentItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, post.ID, reply.PostID)

	rec = ts.do(t, "POST", "/v1/posts/"+post.ID+"/quotes", ts.bob, map[string]string{"commentary": "Worth reading"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, "DELETE", "/v1/content/"+reply.ID, ts.bob, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, "DELETE", "/v1/content/"+reply.ID, ts.bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportContent(t *testing.T) {
	ts := setupServer(t)
	post := ts.publish(t, ts.alice, "A disputed post")

	rec := ts.do(t, "POST", "/v1/content/"+post.ID+"/reports", ts.bob, map[string]string{"reason": "spam", "target_type": "POST"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome publishing.ReportOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, publishing.ReportOutcome{Count: 1, Escalation: publishing.EscalationNone}, outcome)

	rec = ts.do(t, "POST", "/v1/content/"+post.ID+"/reports", ts.bob, map[string]string{"target_type": "REPLY"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedAndSearch(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()
	post := ts.publish(t, ts.alice, "# Consensus\nRaft and Paxos compared")

	require.NoError(t, ts.store.PushFeed(ctx, ts.bob, post.ID, 10))
	rec := ts.do(t, "GET", "/v1/users/"+ts.bob+"/feed?limit=5", ts.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":["`+post.ID+`"]}`, rec.Body.String())

	rec = ts.do(t, "GET", "/v1/users/nobody/feed", ts.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	require.NoError(t, ts.index.Upsert(ctx, search.NewDocument(&post, nil), nil))
	rec = ts.do(t, "GET", "/v1/search?q=paxos", ts.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []searchHit `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, post.ID, resp.Results[0].ID)
	assert.Equal(t, "Consensus", resp.Results[0].Title)
}

func TestNotifications(t *testing.T) {
	ts := setupServer(t)
	ts.publish(t, ts.alice, "Hello @bob")

	rec := ts.do(t, "GET", "/v1/notifications", ts.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Notifications []models.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Notifications, 1)
	n := resp.Notifications[0]
	assert.Equal(t, models.NotifyMention, n.Type)
	assert.Nil(t, n.ReadAt)

	// only the owner can mark it read
	rec = ts.do(t, "POST", "/v1/notifications/"+n.ID+"/read", ts.alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "POST", "/v1/notifications/"+n.ID+"/read", ts.bob, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list, err := ts.store.ListNotifications(context.Background(), ts.bob, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].ReadAt)
}

func TestAdminJobs(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	id, err := ts.queue.Enqueue(ctx, queue.EnrichPost{PostID: "p1", AuthorID: "a1"})
	require.NoError(t, err)
	job, err := ts.queue.Claim(ctx, time.Minute)
	require.NoError(t, err)
	parked, err := ts.queue.Fail(ctx, job, assert.AnError)
	require.NoError(t, err)
	require.True(t, parked)

	rec := ts.do(t, "GET", "/v1/admin/jobs/parked", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []queue.Job `json:"jobs"`
		Count int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, id, resp.Jobs[0].ID)
	assert.Equal(t, assert.AnError.Error(), resp.Jobs[0].LastError)

	rec = ts.do(t, "POST", "/v1/admin/jobs/"+strconv.FormatInt(id, 10)+"/replay", ts.alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "GET", "/v1/admin/jobs/stats", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":1}`, rec.Body.String())
}

func TestEventsStream(t *testing.T) {
	ts := setupServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, ts.bob)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Equal(t, 1, ts.hub.Sessions(ts.bob))
	ts.hub.SendToUser(context.Background(), ts.bob, notifications.Event{
		Type:         "notification",
		Notification: &models.Notification{ID: "n1", UserID: ts.bob, Type: models.NotifyFollow},
	})

	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: notification", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
	assert.Contains(t, lines[1], `"id":"n1"`)

	cancel()
	assert.Eventually(t, func() bool { return ts.hub.Sessions(ts.bob) == 0 }, 5*time.Second, 10*time.Millisecond)
}
