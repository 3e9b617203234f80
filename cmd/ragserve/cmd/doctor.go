package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run system diagnostics against the configured data directory.

Checks:
  - Disk space (100MB minimum)
  - Memory availability (1GB minimum)
  - Write permissions on the data directory
  - File descriptor limits (1024 minimum)
  - Embedding provider reachability

The embedder check is a non-critical warning: when the provider is
unreachable, queries and ingestion fall back to static embeddings.

Use --verbose for detailed diagnostic information.
Use --json for machine-readable output.`,
		Example: `  # Run diagnostics
  ragserve doctor

  # Verbose output with details
  ragserve doctor --verbose

  # JSON output for scripting
  ragserve doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDoctor(ctx, cmd, verbose, jsonOutput, offline)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the provider reachability check")

	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, verbose, jsonOutput, offline bool) error {
	cfg, err := loadConfig()
	if err != nil {
		// A broken config is itself a finding; diagnose the rest against
		// defaults so the command still reports something useful.
		fmt.Fprintf(cmd.ErrOrStderr(), "config: %v (using defaults)\n", err)
		cfg = config.NewConfig()
	}

	opts := []preflight.Option{
		preflight.WithOffline(offline),
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	}
	embedder, err := buildEmbedder(ctx, cfg, offline)
	if err == nil {
		defer func() { _ = embedder.Close() }()
		opts = append(opts, preflight.WithEmbedder(embedder))
	}

	checker := preflight.New(opts...)
	results := checker.RunAll(ctx, cfg.Storage.DataDir)

	if jsonOutput {
		return outputDoctorJSON(cmd, checker, results)
	}

	checker.PrintResults(results)

	if !preflight.NeedsCheck(cfg.Storage.DataDir) {
		if age := preflight.MarkerAge(cfg.Storage.DataDir); age > 0 {
			cmd.Printf("\nLast successful check: %s ago\n", formatAge(age))
		}
	}

	if checker.HasCriticalFailures(results) {
		return &doctorError{message: "system check failed"}
	}

	return nil
}

// doctorError is a custom error for doctor command failures.
type doctorError struct {
	message string
}

func (e *doctorError) Error() string {
	return e.message
}

// doctorJSON is the structure for JSON output.
type doctorJSON struct {
	Status   string            `json:"status"`
	Checks   []doctorJSONCheck `json:"checks"`
	Warnings []string          `json:"warnings,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
}

// doctorJSONCheck is a single check result for JSON output.
type doctorJSONCheck struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

func outputDoctorJSON(cmd *cobra.Command, checker *preflight.Checker, results []preflight.CheckResult) error {
	out := doctorJSON{
		Status: checker.SummaryStatus(results),
		Checks: make([]doctorJSONCheck, len(results)),
	}

	for i, r := range results {
		out.Checks[i] = doctorJSONCheck{
			Name:     r.Name,
			Status:   statusToString(r.Status),
			Message:  r.Message,
			Required: r.Required,
			Details:  r.Details,
		}

		if r.IsCritical() {
			out.Errors = append(out.Errors, r.Name+": "+r.Message)
		} else if r.Status == preflight.StatusWarn {
			out.Warnings = append(out.Warnings, r.Name+": "+r.Message)
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func statusToString(s preflight.CheckStatus) string {
	switch s {
	case preflight.StatusPass:
		return "pass"
	case preflight.StatusWarn:
		return "warn"
	case preflight.StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

func formatAge(d time.Duration) string {
	hours := int(d.Hours())
	switch {
	case hours < 1:
		return "less than 1 hour"
	case hours == 1:
		return "1 hour"
	case hours < 24:
		return fmt.Sprintf("%d hours", hours)
	case hours < 48:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", hours/24)
	}
}
