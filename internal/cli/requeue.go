package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/store"
	"github.com/sluice-io/sluice/internal/worker"
)

// RequeueOptions holds flags for the requeue command.
type RequeueOptions struct {
	*RootOptions
	OlderThan time.Duration

	// Recoverer overrides the store-backed recoverer (for testing).
	// When nil the command opens the configured database.
	Recoverer worker.Recoverer
}

// requeueReport is the JSON payload for requeue output.
type requeueReport struct {
	Count            int     `json:"count"`
	OlderThanSeconds float64 `json:"older_than_seconds"`
	EventIDs         []int64 `json:"event_ids"`
}

// NewRequeueCommand creates the requeue command: a one-shot run of the
// stuck-event recovery sweep.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequeueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return stuck events to the queue",
		Long: `Find events that have sat in the processing state past the age
cutoff, fail their orphaned attempts, and return them to pending.

The serve process runs this sweep on a schedule; the command exists
for operators who need it now.

Example:
  sluice requeue --config ./sluice.yaml
  sluice requeue --older-than 10m --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "age cutoff (defaults to recovery.older_than from config)")

	return cmd
}

func runRequeue(ctx context.Context, opts *RequeueOptions, out io.Writer) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = cfg.Recovery.OlderThan.Duration
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: out}

	sweep := func(ctx context.Context, rec worker.Recoverer) error {
		events, err := rec.RecoverStuck(ctx, olderThan)
		if err != nil {
			_ = formatter.Error("recovery_failed", "could not requeue stuck events", err.Error())
			return WrapExitError(ExitFailure, "recovery failed", err)
		}
		return report(formatter, out, opts.Format, events, olderThan)
	}

	if opts.Recoverer != nil {
		return sweep(ctx, opts.Recoverer)
	}
	return withStore(ctx, opts.RootOptions, func(ctx context.Context, st *store.Store, _ *zap.Logger) error {
		return sweep(ctx, st)
	})
}

func report(formatter *OutputFormatter, out io.Writer, format string, events []store.Event, olderThan time.Duration) error {
	if format == "json" {
		ids := make([]int64, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		return formatter.Success(requeueReport{
			Count:            len(events),
			OlderThanSeconds: olderThan.Seconds(),
			EventIDs:         ids,
		})
	}

	fmt.Fprintf(out, "Requeued %d stuck event(s) older than %s.\n", len(events), olderThan)
	for _, ev := range events {
		fmt.Fprintf(out, "  event %d (%s)\n", ev.ID, ev.ExternalID)
	}
	return nil
}
