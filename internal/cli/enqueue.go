package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/dialer/internal/control"
	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/queue"
)

var enqueueDelay time.Duration

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [campaign_id] [step]",
	Short: "Submit the call job of a campaign step",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runEnqueue,
}

func init() {
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "delay before the job becomes ready")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	step := 0
	if len(args) == 2 {
		var err error
		step, err = strconv.Atoi(args[1])
		if err != nil || step < 0 {
			fmt.Printf("Invalid step: %s\n", args[1])
			os.Exit(1)
		}
	}

	cfg := loadConfig()
	if cfg.Queue.Backend == "memory" {
		slog.Error("Enqueue needs a shared queue backend, QUEUE_BACKEND is memory")
		os.Exit(1)
	}

	q, err := control.OpenQueue(cfg)
	if err != nil {
		slog.Error("Failed to open queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = q.Close()
	}()

	opts := control.JobOptions(cfg)
	opts.Delay = enqueueDelay

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := q.Enqueue(ctx, queue.JobSpec{
		Type:       domain.JobTypeOutboundCall,
		CampaignID: args[0],
		Step:       step,
	}, opts)
	if err != nil {
		slog.Error("Failed to enqueue job", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Enqueued %s\n", id)
}
