package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/citewalk/content-pipeline/internal/embeddings"
	"github.com/citewalk/content-pipeline/internal/resilience"
	"github.com/citewalk/content-pipeline/internal/search"
)

var (
	indexPath   string
	noEmbedding bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex [content-id]...",
	Short: "Rebuild search documents from the record store",
	Long:  "Rebuilds the given items, or every live item when no id is given. Deleted or unknown ids are removed from the index.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if indexPath != "" {
			cfg.SearchIndexPath = indexPath
		}

		store, _, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		// The server holds the index open; reindex while it is stopped
		index, err := search.Open(cfg.SearchIndexPath)
		if err != nil {
			return err
		}
		defer index.Close()

		var embedder embeddings.Embedder
		if !noEmbedding {
			embedder = embeddings.NewGuarded(
				embeddings.NewOllamaEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel),
				resilience.New(resilience.Options{
					Name:             "embeddings",
					FailureThreshold: cfg.BreakerFailureThreshold,
					Cooldown:         cfg.BreakerCooldown,
				}),
				cfg.EmbeddingTimeout)
		}

		ids := args
		if len(ids) == 0 {
			if ids, err = store.ListLiveContentIDs(cmd.Context()); err != nil {
				return err
			}
		}

		var failed int
		for i, id := range ids {
			if err := search.Reindex(cmd.Context(), store, index, embedder, id); err != nil {
				logrus.Errorf("Failed to reindex %s: %v", id, err)
				failed++
				continue
			}
			if (i+1)%100 == 0 {
				fmt.Printf("Reindexed %d/%d\n", i+1, len(ids))
			}
		}

		count, err := index.Count()
		if err != nil {
			return err
		}
		fmt.Printf("Reindexed %d items, %d failed, %d documents in index\n", len(ids)-failed, failed, count)
		if failed > 0 {
			return fmt.Errorf("%d items failed to reindex", failed)
		}
		return nil
	},
}

func init() {
	reindexCmd.Flags().StringVar(&indexPath, "index", "", "Path to the search index (default: SEARCH_INDEX_PATH)")
	reindexCmd.Flags().BoolVar(&noEmbedding, "no-embedding", false, "Index without calling the embedding service")
	rootCmd.AddCommand(reindexCmd)
}
