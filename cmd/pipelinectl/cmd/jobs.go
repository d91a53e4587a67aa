package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/citewalk/content-pipeline/internal/queue"
)

var parkedLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and replay background jobs",
}

var jobsParkedCmd = &cobra.Command{
	Use:   "parked",
	Short: "List jobs that exhausted their attempts",
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

		jobs, err := q.Parked(cmd.Context(), parkedLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("No parked jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tCREATED\tLAST ERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%d\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Kind, j.Attempts, j.MaxAttempts, j.CreatedAt.Format("2006-01-02 15:04:05"), j.LastError)
		}
		return w.Flush()
	},
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay <job-id>...",
	Short: "Move parked jobs back to pending with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", arg)
			}
			ids = append(ids, id)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var failed int
		for _, id := range ids {
			err := q.Replay(cmd.Context(), id)
			switch {
			case errors.Is(err, queue.ErrNotFound):
				fmt.Fprintf(os.Stderr, "job %d is not parked\n", id)
				failed++
			case err != nil:
				return err
			default:
				fmt.Printf("Replayed job %d\n", id)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs not replayed", failed, len(ids))
		}
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
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

		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		for _, s := range []queue.Status{queue.StatusPending, queue.StatusRunning, queue.StatusDone, queue.StatusParked} {
			fmt.Printf("%-8s %d\n", s, stats[s])
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	jobsParkedCmd.Flags().IntVar(&parkedLimit, "limit", 50, "Maximum number of jobs to list")

	jobsCmd.AddCommand(jobsParkedCmd, jobsReplayCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}
