package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"fileconvert/config"
	"fileconvert/models"
	"fileconvert/pipeline"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newWatchCmd(cfg *config.Config) *cobra.Command {
	var (
		interval time.Duration
		batch    bool
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a job or batch until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			watch := watchJob
			if batch {
				watch = watchBatch
			}
			status, err := watch(ctx, rt.svc, args[0], interval, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
			if status != models.StatusCompleted {
				return fmt.Errorf("%s finished as %s", args[0], status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval")
	cmd.Flags().BoolVar(&batch, "batch", false, "the id names a batch")
	return cmd
}

func newBar(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}

// poll calls snapshot every interval until it reports a terminal status,
// mirroring the reported percentage on a progress bar.
func poll(ctx context.Context, interval time.Duration, bar *progressbar.ProgressBar, snapshot func() (models.JobStatus, int, error)) (models.JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, pct, err := snapshot()
		if err != nil {
			return "", err
		}
		bar.Describe(string(status))
		_ = bar.Set(pct)
		if status.IsTerminal() {
			if status == models.StatusCompleted {
				_ = bar.Finish()
			} else {
				_ = bar.Exit()
			}
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func watchJob(ctx context.Context, svc *pipeline.Service, id string, interval time.Duration, w io.Writer) (models.JobStatus, error) {
	bar := newBar(w, "job "+id)
	return poll(ctx, interval, bar, func() (models.JobStatus, int, error) {
		job, err := svc.GetJobStatus(ctx, "", id)
		if err != nil {
			return "", 0, err
		}
		return job.Status, job.ProgressPercentage, nil
	})
}

func watchBatch(ctx context.Context, svc *pipeline.Service, id string, interval time.Duration, w io.Writer) (models.JobStatus, error) {
	bar := newBar(w, "batch "+id)
	return poll(ctx, interval, bar, func() (models.JobStatus, int, error) {
		st, err := svc.GetBatchStatus(ctx, "", id)
		if err != nil {
			return "", 0, err
		}
		return st.Status, st.ProgressPercentage, nil
	})
}
