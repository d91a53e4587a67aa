package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/feed"
	"github.com/citewalk/content-pipeline/internal/graph"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/publishing"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/safety"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// keywordClassifier rejects bodies containing banned, but only on the full
// check the worker runs
type keywordClassifier struct {
	banned string
}

func (k keywordClassifier) CheckText(ctx context.Context, text, authorID string, opts safety.Options) safety.Verdict {
	if opts.ExcludeID != "" && k.banned != "" && strings.Contains(text, k.banned) {
		return safety.Verdict{Safe: false, ReasonCode: models.ReasonSpam, Reason: "Content detected as spam.", Confidence: 0.96}
	}
	return safety.Verdict{Safe: true, Confidence: 0.9}
}

type testEnv struct {
	cfg       *config.Config
	notifier  *notifications.Dispatcher
	store     *storage.SQLiteStore
	queue     *queue.SQLiteQueue
	index     *search.Index
	graph     *graph.SQLiteGraph
	metrics   *monitoring.Service
	publisher *publishing.Service
	worker    *Worker
	pool      *Pool
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewSQLiteQueue(store.Conn(), queue.Options{})
	require.NoError(t, err)

	index, err := search.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	g, err := graph.Open(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	cfg := &config.Config{
		PostMaxBody:               10000,
		ReplyMaxBody:              1000,
		DefaultLanguage:           "en",
		ReportRecheckThreshold:    3,
		ReportAutoDeleteThreshold: 10,
		WorkerConcurrency:         1,
		JobLease:                  time.Minute,
	}
	classifier := keywordClassifier{banned: "pills"}
	metrics := monitoring.NewService(nil, q)
	dispatcher := notifications.NewDispatcher(store, metrics.CountDeliveries(nil))

	env := &testEnv{
		cfg:      cfg,
		notifier: dispatcher,
		store:    store,
		queue:    q,
		index:    index,
		graph:    g,
		metrics:  metrics,
		publisher: publishing.NewService(cfg, publishing.Dependencies{
			Store:      store,
			Classifier: classifier,
			Queue:      q,
			Notifier:   dispatcher,
		}),
		worker: New(Dependencies{
			Store:      store,
			Classifier: classifier,
			Indexer:    index,
			Graph:      g,
			Notifier:   dispatcher,
			Fanout:     feed.NewFanout(store, store, 2, 10),
			Metrics:    metrics,
		}),
	}
	env.pool = NewPool(cfg, q, env.worker, metrics)
	return env
}

func (e *testEnv) user(t *testing.T, handle string) string {
	t.Helper()
	u := &models.User{Handle: handle}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u.ID
}

func (e *testEnv) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		handled, err := e.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if !handled {
			return n
		}
		n++
	}
}

func (e *testEnv) notifications(t *testing.T, userID string) []models.Notification {
	t.Helper()
	list, err := e.store.ListNotifications(context.Background(), userID, 50)
	require.NoError(t, err)
	return list
}

func jobFor(t *testing.T, p queue.Payload) *queue.Job {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: 1, Kind: p.Kind(), Payload: data, Attempts: 1, MaxAttempts: 5}
}

func TestWorker_EnrichQuote(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	carol := env.user(t, "carol")
	require.NoError(t, env.store.Follow(ctx, bob, alice))

	original, err := env.publisher.Publish(ctx, publishing.PublishRequest{AuthorID: alice, Body: "# Graphs\nNodes and edges"})
	require.NoError(t, err)
	quote, err := env.publisher.Quote(ctx, bob, original.ID,
		"Great read on [[graph theory]], cc @carol. See [paper](https://example.com/paper)")
	require.NoError(t, err)

	assert.Equal(t, 2, env.drain(t))

	node := graph.Node{Label: graph.LabelPost, ID: quote.ID}
	outgoing := func(rel graph.Relation) []graph.Node {
		nodes, err := env.graph.Outgoing(ctx, node, rel)
		require.NoError(t, err)
		return nodes
	}
	authors, err := env.graph.Incoming(ctx, node, graph.RelAuthored)
	require.NoError(t, err)
	assert.Equal(t, []graph.Node{{Label: graph.LabelUser, ID: bob}}, authors)
	assert.Equal(t, []graph.Node{{Label: graph.LabelTopic, ID: "graph-theory"}}, outgoing(graph.RelInTopic))
	assert.Equal(t, []graph.Node{{Label: graph.LabelPost, ID: original.ID}}, outgoing(graph.RelQuotes))
	assert.Equal(t, []graph.Node{{Label: graph.LabelPost, ID: original.ID}}, outgoing(graph.RelLinksTo))
	assert.Equal(t, []graph.Node{{Label: graph.LabelUser, ID: carol}}, outgoing(graph.RelMentions))
	assert.Equal(t, []graph.Node{{Label: graph.LabelURL, ID: "https://example.com/paper"}}, outgoing(graph.RelCites))

	aliceNotes := env.notifications(t, alice)
	require.Len(t, aliceNotes, 1)
	assert.Equal(t, models.NotifyQuote, aliceNotes[0].Type)
	assert.Equal(t, bob, aliceNotes[0].ActorID)
	assert.Equal(t, quote.ID, aliceNotes[0].PostID)

	carolNotes := env.notifications(t, carol)
	require.Len(t, carolNotes, 1)
	assert.Equal(t, models.NotifyMention, carolNotes[0].Type)

	bobFeed, err := env.store.RecentFeed(ctx, bob, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{quote.ID, original.ID}, bobFeed)
	aliceFeed, err := env.store.RecentFeed(ctx, alice, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{original.ID}, aliceFeed)

	count, err := env.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	m := env.metrics.Snapshot()
	assert.Equal(t, 2, m.JobsSucceeded["enrich.post"])
	assert.Equal(t, 2, m.FanOuts)
	// the mention was delivered at publication and the worker's repeat is not counted
	assert.Equal(t, 1, m.Notifications["QUOTE"])
	assert.Equal(t, 1, m.Notifications["MENTION"])
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	require.NoError(t, env.store.Follow(ctx, bob, alice))

	post, err := env.publisher.Publish(ctx, publishing.PublishRequest{AuthorID: alice, Body: "Hello @bob, about [[raft]]"})
	require.NoError(t, err)
	env.drain(t)

	nodes, edges, err := env.graph.Counts(ctx)
	require.NoError(t, err)
	feedBefore, err := env.store.RecentFeed(ctx, bob, 10)
	require.NoError(t, err)

	job := jobFor(t, queue.EnrichPost{PostID: post.ID, AuthorID: alice})
	require.NoError(t, env.worker.Handle(ctx, job))
	require.NoError(t, env.worker.Handle(ctx, job))

	nodesAfter, edgesAfter, err := env.graph.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes, nodesAfter)
	assert.Equal(t, edges, edgesAfter)

	feedAfter, err := env.store.RecentFeed(ctx, bob, 10)
	require.NoError(t, err)
	assert.Equal(t, feedBefore, feedAfter)

	assert.Len(t, env.notifications(t, bob), 1)

	count, err := env.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestWorker_RetractsRejectedReply(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	post, err := env.publisher.Publish(ctx, publishing.PublishRequest{AuthorID: alice, Body: "A fine post"})
	require.NoError(t, err)
	reply, err := env.publisher.Reply(ctx, publishing.ReplyRequest{AuthorID: bob, PostID: post.ID, Body: "cheap pills here"})
	require.NoError(t, err)

	stored, err := env.store.GetContent(ctx, post.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.ReplyCount)

	env.drain(t)

	_, err = env.store.GetContent(ctx, reply.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err = env.store.GetContent(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ReplyCount)

	records, err := env.store.ListModerationRecords(ctx, reply.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SourceAsyncCheck, records[0].Source)
	assert.Equal(t, models.ReasonSpam, records[0].ReasonCode)
	assert.Equal(t, "cheap pills here", records[0].ContentSnapshot)
	assert.Equal(t, bob, records[0].AuthorID)

	bobNotes := env.notifications(t, bob)
	require.Len(t, bobNotes, 1)
	assert.Equal(t, models.NotifyModeration, bobNotes[0].Type)
	assert.Empty(t, env.notifications(t, alice))

	got, err := env.index.Get(ctx, reply.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// a redelivered job stops at the load step
	require.NoError(t, env.worker.Handle(ctx, jobFor(t, queue.EnrichReply{ReplyID: reply.ID, PostID: post.ID, AuthorID: bob})))

	records, err = env.store.ListModerationRecords(ctx, reply.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	stored, err = env.store.GetContent(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ReplyCount)

	assert.Equal(t, 1, env.metrics.Snapshot().Moderation["ASYNC_CHECK"])
}

func TestWorker_ReplyNotifiesParentAuthor(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	carol := env.user(t, "carol")

	post, err := env.publisher.Publish(ctx, publishing.PublishRequest{AuthorID: alice, Body: "Root post"})
	require.NoError(t, err)
	first, err := env.publisher.Reply(ctx, publishing.ReplyRequest{AuthorID: bob, PostID: post.ID, Body: "First!"})
	require.NoError(t, err)
	nested, err := env.publisher.Reply(ctx, publishing.ReplyRequest{AuthorID: carol, PostID: post.ID, ParentReplyID: first.ID, Body: "Nested"})
	require.NoError(t, err)
	own, err := env.publisher.Reply(ctx, publishing.ReplyRequest{AuthorID: alice, PostID: post.ID, Body: "Thanks all"})
	require.NoError(t, err)

	assert.Equal(t, 4, env.drain(t))

	aliceNotes := env.notifications(t, alice)
	require.Len(t, aliceNotes, 1)
	assert.Equal(t, models.NotifyReply, aliceNotes[0].Type)
	assert.Equal(t, first.ID, aliceNotes[0].ReplyID)

	bobNotes := env.notifications(t, bob)
	require.Len(t, bobNotes, 1)
	assert.Equal(t, models.NotifyReply, bobNotes[0].Type)
	assert.Equal(t, nested.ID, bobNotes[0].ReplyID)
	assert.Equal(t, post.ID, bobNotes[0].PostID)

	assert.Empty(t, env.notifications(t, carol))

	for _, r := range []string{first.ID, nested.ID, own.ID} {
		targets, err := env.graph.Outgoing(ctx, graph.Node{Label: graph.LabelReply, ID: r}, graph.RelRepliedTo)
		require.NoError(t, err)
		assert.Equal(t, []graph.Node{{Label: graph.LabelPost, ID: post.ID}}, targets)
	}

	// replies are not fanned out
	aliceFeed, err := env.store.RecentFeed(ctx, alice, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{post.ID}, aliceFeed)
}

func TestWorker_ReportRecheck(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantDeleted bool
	}{
		{name: "rejected content is removed", body: "miracle pills for sale", wantDeleted: true},
		{name: "safe content stays", body: "a perfectly normal post", wantDeleted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupEnv(t)
			ctx := context.Background()
			author := env.user(t, "author")

			post, err := env.publisher.Publish(ctx, publishing.PublishRequest{AuthorID: author, Body: tt.body})
			require.NoError(t, err)

			err = env.worker.Handle(ctx, jobFor(t, queue.ReportRecheck{TargetID: post.ID, TargetType: models.KindPost}))
			require.NoError(t, err)

			records, err := env.store.ListModerationRecords(ctx, post.ID)
			require.NoError(t, err)
			_, getErr := env.store.GetContent(ctx, post.ID)

			if tt.wantDeleted {
				assert.ErrorIs(t, getErr, storage.ErrNotFound)
				require.Len(t, records, 1)
				assert.Equal(t, models.SourceReportThreshold, records[0].Source)
				return
			}
			assert.NoError(t, getErr)
			assert.Empty(t, records)
		})
	}
}

func TestWorker_HandleEdgeCases(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	assert.NoError(t, env.worker.Handle(ctx, jobFor(t, queue.EnrichPost{PostID: uuid.NewString()})))
	assert.NoError(t, env.worker.Handle(ctx, jobFor(t, queue.ReportRecheck{TargetID: uuid.NewString()})))

	err := env.worker.Handle(ctx, &queue.Job{Kind: "bogus", Payload: []byte(`{}`)})
	assert.ErrorContains(t, err, "bogus")
}

// gatedEmbedder reports each text it is asked to embed and holds the
// call until release is closed
type gatedEmbedder struct {
	started chan string
	release chan struct{}
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case g.started <- text:
	default:
	}
	select {
	case <-g.release:
		return []float32{1, 0}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestWorker_RetractionWinsOverSlowIndexing(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	embedder := &gatedEmbedder{started: make(chan string, 8), release: make(chan struct{})}
	detacher := publishing.NewDetacher(10 * time.Second)
	publisher := publishing.NewService(env.cfg, publishing.Dependencies{
		Store:      env.store,
		Classifier: keywordClassifier{banned: "pills"},
		Queue:      env.queue,
		Indexer:    env.index,
		Embedder:   embedder,
		Notifier:   env.notifier,
		Detacher:   detacher,
	})

	postID := mustPublish(t, env, alice, "A fine post")
	reply, err := publisher.Reply(ctx, publishing.ReplyRequest{AuthorID: bob, PostID: postID, Body: "cheap pills here"})
	require.NoError(t, err)

	// wait until the reply's document is being embedded
	deadline := time.After(5 * time.Second)
	for waiting := true; waiting; {
		select {
		case text := <-embedder.started:
			waiting = !strings.Contains(text, "pills")
		case <-deadline:
			t.Fatal("reply was never sent for embedding")
		}
	}

	env.drain(t)
	_, err = env.store.GetContent(ctx, reply.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	close(embedder.release)
	detacher.Wait()

	got, err := env.index.Get(ctx, reply.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	hits, err := env.index.Search(ctx, "pills", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func mustPublish(t *testing.T, env *testEnv, authorID, body string) string {
	t.Helper()
	item, err := env.publisher.Publish(context.Background(), publishing.PublishRequest{AuthorID: authorID, Body: body})
	require.NoError(t, err)
	return item.ID
}

func TestWorker_PublishScenario(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	followers := []string{env.user(t, "bob"), env.user(t, "carol"), env.user(t, "dave")}
	for _, f := range followers {
		require.NoError(t, env.store.Follow(ctx, f, alice))
	}
	bob := followers[0]

	earlier := mustPublish(t, env, alice, "# Earlier\nSome groundwork")
	env.drain(t)

	postID := mustPublish(t, env, alice, "Following up on [[post:"+earlier+"|groundwork]] with @bob and @ghost")
	assert.Equal(t, 1, env.drain(t))

	edges, err := env.store.ListEdgesFrom(ctx, postID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeLink, edges[0].Type)
	assert.Equal(t, earlier, edges[0].ToID)

	links, err := env.graph.Outgoing(ctx, graph.Node{Label: graph.LabelPost, ID: postID}, graph.RelLinksTo)
	require.NoError(t, err)
	assert.Equal(t, []graph.Node{{Label: graph.LabelPost, ID: earlier}}, links)

	mentions, err := env.store.ListMentions(ctx, postID)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, bob, mentions[0].MentionedUserID)

	var mentionNotes []models.Notification
	for _, n := range env.notifications(t, bob) {
		if n.Type == models.NotifyMention {
			mentionNotes = append(mentionNotes, n)
		}
	}
	require.Len(t, mentionNotes, 1)
	assert.Equal(t, postID, mentionNotes[0].PostID)
	assert.Equal(t, alice, mentionNotes[0].ActorID)

	// three followers span two fan-out pages
	for _, f := range followers {
		ids, err := env.store.RecentFeed(ctx, f, 10)
		require.NoError(t, err)
		require.NotEmpty(t, ids)
		assert.Equal(t, postID, ids[0])
	}
}
