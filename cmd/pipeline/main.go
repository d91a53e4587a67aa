package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/api"
	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/embeddings"
	"github.com/citewalk/content-pipeline/internal/feed"
	"github.com/citewalk/content-pipeline/internal/graph"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/publishing"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/resilience"
	"github.com/citewalk/content-pipeline/internal/safety"
	"github.com/citewalk/content-pipeline/internal/scheduler"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/sources"
	"github.com/citewalk/content-pipeline/internal/storage"
	"github.com/citewalk/content-pipeline/internal/worker"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting content pipeline")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	jobs, err := queue.NewSQLiteQueue(store.Conn(), queue.Options{
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: cfg.JobBackoffBase,
		BackoffMax:  cfg.JobBackoffMax,
	})
	if err != nil {
		logrus.Fatalf("Failed to initialize job queue: %v", err)
	}

	graphStore, err := graph.Open(cfg.GraphDatabasePath)
	if err != nil {
		logrus.Fatalf("Failed to open graph database: %v", err)
	}
	defer graphStore.Close()

	index, err := search.Open(cfg.SearchIndexPath)
	if err != nil {
		logrus.Fatalf("Failed to open search index: %v", err)
	}
	defer index.Close()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize snapshot storage: %v", err)
	}

	monitor := monitoring.NewService(blobs, jobs)
	breaker := func(name string) *resilience.Breaker {
		return resilience.New(resilience.Options{
			Name:             name,
			FailureThreshold: cfg.BreakerFailureThreshold,
			Cooldown:         cfg.BreakerCooldown,
			OnStateChange:    monitor.BreakerStateChanged,
		})
	}

	classifier := safety.NewClassifier(store,
		safety.NewOllamaClient(cfg.ClassifierURL, cfg.ClassifierModel),
		breaker("classifier"),
		safety.Config{
			RejectThreshold:  cfg.SpamRejectThreshold,
			AcceptThreshold:  cfg.SpamAcceptThreshold,
			RepeatSimilarity: cfg.RepeatSimilarity,
			RepeatMinMatches: cfg.RepeatMinMatches,
			RepeatHistory:    cfg.RepeatHistory,
			TextTimeout:      cfg.ClassifierTimeout,
			ImageTimeout:     cfg.ImageClassifierTimeout,
		})
	embedder := embeddings.NewGuarded(
		embeddings.NewOllamaEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel),
		breaker("embeddings"),
		cfg.EmbeddingTimeout)
	guardedGraph := graph.NewGuarded(graphStore, breaker("graph"))

	hub := notifications.NewHub()
	notifier := notifications.NewDispatcher(store, monitor.CountDeliveries(hub))
	push := notifications.NewPushSender(cfg, store)

	var archiver sources.Archiver
	if cfg.ArchiveEnabled {
		archiver = sources.NewWaybackArchiver(cfg.ArchiveBaseURL, blobs)
	}
	enricher := sources.NewEnricher(sources.NewOpenGraphFetcher(), archiver, store)

	detacher := publishing.NewDetacher(time.Minute)
	publisher := publishing.NewService(cfg, publishing.Dependencies{
		Store:      store,
		Classifier: classifier,
		Queue:      jobs,
		Indexer:    index,
		Embedder:   embedder,
		Sources:    enricher,
		Notifier:   notifier,
		Detacher:   detacher,
	})

	handler := worker.New(worker.Dependencies{
		Store:      store,
		Classifier: classifier,
		Indexer:    index,
		Embedder:   embedder,
		Graph:      guardedGraph,
		Notifier:   notifier,
		Fanout:     feed.NewFanout(store, store, cfg.FeedPageSize, cfg.FeedMaxLength),
		Metrics:    monitor,
	})
	pool := worker.NewPool(cfg, jobs, handler, monitor)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	schedulerService := scheduler.NewService(jobs, push, monitor)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}
	defer schedulerService.Stop()

	srv := api.NewServer(api.Dependencies{
		Publisher: publisher,
		Store:     store,
		Jobs:      jobs,
		Search:    index,
		Hub:       hub,
		Monitor:   monitor,
	})

	// No write timeout: /v1/events holds the connection open
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     srv.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Cancelling ctx ends open event streams and stops the workers
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	wg.Wait()
	detacher.Wait()

	logrus.Info("Server exited")
}

// openBlobStore prefers Azure blob storage and falls back to a local directory
func openBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	if cfg.StorageAccount != "" {
		return storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
	}
	logrus.Infof("AZURE_STORAGE_ACCOUNT not set, storing snapshots under %s", cfg.SnapshotDir)
	return storage.NewFileStorage(cfg.SnapshotDir)
}
