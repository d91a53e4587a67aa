package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citewalk/content-pipeline/internal/graph"
)

var graphPath string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print node and edge counts of the citation graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if graphPath != "" {
			cfg.GraphDatabasePath = graphPath
		}

		g, err := graph.Open(cfg.GraphDatabasePath)
		if err != nil {
			return err
		}
		defer g.Close()

		nodes, edges, err := g.Counts(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int{"nodes": nodes, "edges": edges})
		}
		fmt.Printf("nodes %d\nedges %d\n", nodes, edges)
		return nil
	},
}

func init() {
	graphCmd.Flags().StringVar(&graphPath, "graph-db", "", "Path to the graph database (default: GRAPH_DATABASE_PATH)")
	rootCmd.AddCommand(graphCmd)
}
