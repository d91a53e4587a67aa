package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/queue"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the queue health report without storing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := monitoring.NewService(nil, q).RunReport(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}

		fmt.Println(strings.Repeat("=", 60))
		fmt.Printf("Pipeline report %s\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Println(strings.Repeat("=", 60))
		for _, s := range []queue.Status{queue.StatusPending, queue.StatusRunning, queue.StatusDone, queue.StatusParked} {
			fmt.Printf("  %-8s %d\n", s, report.Jobs[s])
		}
		if len(report.Parked) > 0 {
			fmt.Println("\nParked:")
			for _, j := range report.Parked {
				fmt.Printf("  #%d %s: %s\n", j.ID, j.Kind, j.LastError)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
