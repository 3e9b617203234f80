package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/pkg/client"
)

func newStatsCmd() *cobra.Command {
	var (
		remote  string
		apiKey  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a running server's statistics and telemetry",
		Long: `Display a running server's operational statistics:
  - Admission load (in-flight requests, queue depth, clients)
  - Trace aggregates (count, average duration, success rate)
  - Query telemetry (class distribution, top terms, zero-result
    queries, latency histogram, cache hit rate)

Telemetry is collected in memory by the server, so the numbers cover
its current run.`,
		Example: `  # Stats from the local server
  ragserve stats

  # Stats from a remote deployment
  ragserve stats --remote https://rag.internal.example.com --api-key $KEY

  # JSON output for scripting
  ragserve stats --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStats(ctx, cmd, remote, apiKey, jsonOut)
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "Server to ask")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the server")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, remote, apiKey string, jsonOut bool) error {
	cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
	if err != nil {
		return err
	}

	stats, err := cl.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch stats from %s: %w", remote, err)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	printStatsFormatted(cmd, stats)
	return nil
}

func printStatsFormatted(cmd *cobra.Command, stats *client.ServiceStats) {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "Service Statistics")
	fmt.Fprintln(w, "==================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Admission:")
	fmt.Fprintf(w, "  In flight:   %d / %d (%s)\n", stats.Admission.InFlight, stats.Admission.Capacity, stats.Admission.Status)
	fmt.Fprintf(w, "  Load ratio:  %.2f\n", stats.Admission.LoadRatio)
	fmt.Fprintf(w, "  Queue depth: %d\n", stats.Admission.QueueDepth)
	fmt.Fprintf(w, "  Clients:     %d\n", stats.Admission.Clients)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Traces:")
	fmt.Fprintf(w, "  Retained:     %d (%d active)\n", stats.Traces.TotalTraces, stats.Traces.ActiveTraces)
	fmt.Fprintf(w, "  Avg duration: %.1fms\n", stats.Traces.AvgDurationMS)
	fmt.Fprintf(w, "  Success rate: %.1f%%\n", stats.Traces.SuccessRate*100)
	fmt.Fprintln(w)

	q := stats.Queries
	if q == nil || q.TotalQueries == 0 {
		fmt.Fprintln(w, "Queries: (none recorded yet)")
		return
	}

	fmt.Fprintln(w, "Queries:")
	fmt.Fprintf(w, "  Total:        %d (since %s)\n", q.TotalQueries, q.Since.Format("15:04:05"))
	fmt.Fprintf(w, "  Avg latency:  %.1fms\n", q.AverageLatencyMS)
	fmt.Fprintf(w, "  Cache hits:   %d (%.1f%%)\n", q.CacheHits, q.CacheHitRate*100)
	fmt.Fprintf(w, "  Zero results: %d (%.1f%%)\n", q.ZeroResultCount, q.ZeroResultRate*100)
	fmt.Fprintf(w, "  Refused:      %d\n", q.RefusedCount)
	fmt.Fprintf(w, "  Repeats:      %d (%.1f%%)\n", q.ExactRepeatCount, q.ExactRepeatRate*100)
	fmt.Fprintln(w)

	if len(q.ClassCounts) > 0 {
		fmt.Fprintln(w, "Query Class Distribution:")
		for _, class := range sortedKeys(q.ClassCounts) {
			fmt.Fprintf(w, "  %s: %d\n", class, q.ClassCounts[class])
		}
		fmt.Fprintln(w)
	}

	if len(q.TopTerms) > 0 {
		fmt.Fprintln(w, "Top Query Terms:")
		for i, tc := range q.TopTerms {
			fmt.Fprintf(w, "  %d. %s (%d)\n", i+1, tc.Term, tc.Count)
		}
		fmt.Fprintln(w)
	}

	if len(q.RecentZeroResults) > 0 {
		fmt.Fprintln(w, "Recent Zero-Result Queries:")
		for _, zq := range q.RecentZeroResults {
			fmt.Fprintf(w, "  - %q\n", zq)
		}
		fmt.Fprintln(w)
	}

	if len(q.LatencyDistribution) > 0 {
		fmt.Fprintln(w, "Latency Distribution:")
		buckets := []string{"p10", "p50", "p100", "p500", "p1000"}
		labels := map[string]string{
			"p10":   "<10ms",
			"p50":   "10-50ms",
			"p100":  "50-100ms",
			"p500":  "100-500ms",
			"p1000": ">=500ms",
		}
		for _, b := range buckets {
			if count, ok := q.LatencyDistribution[b]; ok {
				fmt.Fprintf(w, "  %-10s %d\n", labels[b]+":", count)
			}
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
