package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/dialer/internal/control"
)

var (
	statusCampaign string
	statusLimit    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, failed jobs and campaign call history",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusCampaign, "campaign", "", "also show the call records of this campaign")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max failed jobs to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q, err := control.OpenQueue(cfg)
	if err != nil {
		slog.Error("Failed to open queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = q.Close()
	}()

	st, err := q.Stats(ctx)
	if err != nil {
		slog.Error("Failed to read queue stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", st.Waiting, st.Delayed, st.Active, st.Completed, st.Failed)
	_ = w.Flush()

	failed, err := q.Failed(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to list failed jobs", "error", err)
		os.Exit(1)
	}
	if len(failed) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "JOB\tATTEMPTS\tCLASSIFICATION\tFAILED AT\tERROR")
		for _, f := range failed {
			class, msg := "", ""
			if f.Result.Error != nil {
				class, msg = f.Result.Error.Classification, f.Result.Error.Message
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				f.Job.ID, f.Job.RetryCount+1, class, f.FailedAt.Format(time.RFC3339), msg)
		}
		_ = w.Flush()
	}

	if statusCampaign == "" {
		return
	}

	store, _, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	c, err := store.GetCampaign(ctx, statusCampaign)
	if err != nil {
		slog.Error("Failed to load campaign", "campaign", statusCampaign, "error", err)
		os.Exit(1)
	}
	records, err := store.CallRecords(ctx, statusCampaign)
	if err != nil {
		slog.Error("Failed to load call records", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nCampaign %s: %s, step %d of %d\n", c.ID, c.Status, c.CurrentStep, c.MaxSteps)
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STEP\tATTEMPT\tOUTCOME\tSTATE\tDURATION\tAT")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			r.Step, r.Attempt, r.Outcome, r.FinalState, r.Duration.Round(time.Second), r.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
