package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/output"
	"github.com/Aman-CERP/ragserve/pkg/client"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Start and track background ingest jobs on a server",
		Long: `Start and track background ingest jobs on a running server.

'jobs start' asks the server to ingest a directory from its own
filesystem and returns a job id immediately. 'jobs list' and
'jobs show' report progress; pass --wait to poll until a job
reaches a terminal state.`,
	}

	cmd.AddCommand(newJobsStartCmd())
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())

	return cmd
}

func newJobsStartCmd() *cobra.Command {
	var (
		remote     string
		apiKey     string
		collection string
		version    string
		batchSize  int
		wait       bool
		interval   time.Duration
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "start <server-dir>",
		Short: "Start a server-side directory ingest",
		Long: `Ask the server to ingest a directory from its own filesystem.

The path is resolved on the server, not on this machine. To index a
local tree, use 'ragserve ingest' instead.`,
		Example: `  # Ingest a corpus already on the server
  ragserve jobs start /srv/corpus --collection docs

  # Block until the job finishes
  ragserve jobs start /srv/corpus --collection docs --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			req := client.AsyncIngestRequest{
				Collection: collection,
				RootDir:    args[0],
				Version:    version,
				BatchSize:  batchSize,
			}
			return runJobsStart(ctx, cmd, remote, apiKey, req, wait, interval, jsonOut)
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "default", "Target collection")
	cmd.Flags().StringVar(&version, "tag", "", "Version tag recorded on every chunk of this run")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Chunk texts per embedding request (0 uses the server default)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job reaches a terminal state")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval for --wait")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "Server to ask")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the server")

	return cmd
}

func runJobsStart(ctx context.Context, cmd *cobra.Command, remote, apiKey string, req client.AsyncIngestRequest, wait bool, interval time.Duration, jsonOut bool) error {
	cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
	if err != nil {
		return err
	}

	jobID, err := cl.IngestAsync(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start job on %s: %w", remote, err)
	}

	if wait {
		return waitAndRenderJob(ctx, cmd, cl, jobID, interval, jsonOut)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": jobID})
	}

	out := output.New(cmd.OutOrStdout())
	out.Successf("enqueued job %s for collection %s", jobID, req.Collection)
	out.Statusf("", "track it with 'ragserve jobs show %s --wait'", jobID)
	return nil
}

func newJobsListCmd() *cobra.Command {
	var (
		remote  string
		apiKey  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent ingest jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJobsList(ctx, cmd, remote, apiKey, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "Server to ask")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the server")

	return cmd
}

func runJobsList(ctx context.Context, cmd *cobra.Command, remote, apiKey string, jsonOut bool) error {
	cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
	if err != nil {
		return err
	}

	jobs, err := cl.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs on %s: %w", remote, err)
	}

	if jsonOut {
		if jobs == nil {
			jobs = []client.Job{}
		}
		return printJSON(cmd.OutOrStdout(), jobs)
	}

	w := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs recorded; start one with 'ragserve jobs start'")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-8s %-16s %7s %8s %9s\n", "JOB", "STATE", "COLLECTION", "PROG", "INDEXED", "ELAPSED")
	for i := range jobs {
		j := &jobs[i]
		fmt.Fprintf(w, "%-36s  %-8s %-16s %6.1f%% %8d %9s\n",
			j.JobID, j.State, j.Collection, j.ProgressPct, j.Indexed, formatJobElapsed(j.ElapsedSeconds))
	}
	return nil
}

func newJobsShowCmd() *cobra.Command {
	var (
		remote   string
		apiKey   string
		jsonOut  bool
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJobsShow(ctx, cmd, remote, apiKey, args[0], wait, interval, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job reaches a terminal state")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval for --wait")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "Server to ask")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the server")

	return cmd
}

func runJobsShow(ctx context.Context, cmd *cobra.Command, remote, apiKey, jobID string, wait bool, interval time.Duration, jsonOut bool) error {
	cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
	if err != nil {
		return err
	}

	if wait {
		return waitAndRenderJob(ctx, cmd, cl, jobID, interval, jsonOut)
	}

	job, err := cl.Job(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to fetch job from %s: %w", remote, err)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), job)
	}
	renderJob(cmd, job)
	return nil
}

// waitAndRenderJob polls until the job finishes, overwriting one
// progress line in place, then renders the final snapshot. A failed
// job becomes a non-zero exit.
func waitAndRenderJob(ctx context.Context, cmd *cobra.Command, cl *client.Client, jobID string, interval time.Duration, jsonOut bool) error {
	w := cmd.OutOrStdout()

	onUpdate := func(j *client.Job) {
		if jsonOut || j.Terminal() {
			return
		}
		fmt.Fprintf(w, "\r%-70s", fmt.Sprintf("  %s %.1f%%  %d documents, %d indexed",
			jobStageLabel(j), j.ProgressPct, j.Documents, j.Indexed))
	}

	job, err := cl.WaitForJob(ctx, jobID, interval, onUpdate)
	if err != nil {
		return fmt.Errorf("failed waiting for job %s: %w", jobID, err)
	}

	if jsonOut {
		return printJSON(w, job)
	}

	// Clear the in-place progress line before the final report.
	fmt.Fprintf(w, "\r%-70s\r", "")
	renderJob(cmd, job)

	if job.State == client.JobStateFailed {
		return fmt.Errorf("job %s failed", job.JobID)
	}
	return nil
}

func renderJob(cmd *cobra.Command, j *client.Job) {
	out := output.New(cmd.OutOrStdout())

	out.Statusf(jobStateIcon(j.State), "job %s (%s)", j.JobID, j.State)
	out.Statusf("", "collection: %s", j.Collection)
	out.Statusf("", "root:       %s", j.RootDir)
	if j.Stage != "" {
		out.Statusf("", "stage:      %s", jobStageLabel(j))
	}
	out.Statusf("", "progress:   %.1f%%", j.ProgressPct)
	out.Statusf("", "documents:  %d", j.Documents)
	out.Statusf("", "chunks:     %d (%d indexed, %d duplicates, %d failed)",
		j.Chunks, j.Indexed, j.Duplicates, j.Failed)
	out.Statusf("", "enqueued:   %s", j.EnqueuedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		out.Statusf("", "started:    %s", j.StartedAt.Format(time.RFC3339))
	}
	if j.FinishedAt != nil {
		out.Statusf("", "finished:   %s (%s elapsed)",
			j.FinishedAt.Format(time.RFC3339), formatJobElapsed(j.ElapsedSeconds))
	}
	if j.Error != "" {
		out.Errorf("job failed: %s", j.Error)
	}
	for _, e := range j.Errors {
		out.Statusf("", "  - %s", e)
	}
}

func jobStageLabel(j *client.Job) string {
	if j.Stage == "" {
		return j.State
	}
	if j.StageTotal > 0 {
		return fmt.Sprintf("%s %d/%d", j.Stage, j.StageCurrent, j.StageTotal)
	}
	return j.Stage
}

func jobStateIcon(state string) string {
	switch state {
	case client.JobStateDone:
		return "✅"
	case client.JobStateFailed:
		return "❌"
	default:
		return "⏳"
	}
}

// formatJobElapsed renders elapsed seconds at a precision that suits
// the magnitude.
func formatJobElapsed(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Minute {
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
