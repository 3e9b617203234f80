package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/output"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/trace"
	"github.com/Aman-CERP/ragserve/pkg/client"
)

// queryOptions holds CLI flags for query.
type queryOptions struct {
	collection string
	topK       int
	noRerank   bool
	stream     bool
	jsonOut    bool
	offline    bool
	remote     string
	apiKey     string
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question against a collection",
		Long: `Ask a question and get a grounded, cited answer.

By default the full pipeline runs in-process against the local data
directory: the question is classified, both indexes are searched, the
candidates are reranked, and an answer is generated with [N] citations
into the retrieved sources. When nothing relevant is found the command
says so instead of guessing.

With --remote the question is sent to a running ragserve instance
instead, so the terminal does not need local indexes or provider keys.`,
		Example: `  # Ask against the local default collection
  ragserve query "How do I rotate the API keys?"

  # Ask a named collection and stream the answer as it generates
  ragserve query "What changed in 2.1?" --collection handbook --stream

  # Ask a running server
  ragserve query "Who owns billing?" --remote http://localhost:8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			question := strings.Join(args, " ")
			return runQuery(ctx, cmd, question, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "default", "Collection to query")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 0, "Maximum sources to cite (0 lets the planner decide)")
	cmd.Flags().BoolVar(&opts.noRerank, "no-rerank", false, "Skip the reranking stage")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print the answer as it generates")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use static embeddings (no provider required)")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "Query a running server at this URL instead of local data")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key for --remote")

	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, question string, opts queryOptions) error {
	if opts.jsonOut && opts.stream {
		return fmt.Errorf("--json and --stream cannot be combined")
	}

	defer setupQuietLogging()()

	if opts.remote != "" {
		return runRemoteQuery(ctx, cmd, question, opts)
	}
	return runLocalQuery(ctx, cmd, question, opts)
}

func runLocalQuery(ctx context.Context, cmd *cobra.Command, question string, opts queryOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, slog.Default(), opts.offline)
	if err != nil {
		return err
	}
	defer svc.Close()

	// No admission control for a single local question.
	pipe, err := buildPipeline(ctx, svc, nil, trace.NewTracer(trace.DefaultMaxTraces), metrics.New())
	if err != nil {
		return err
	}

	req := pipeline.Request{
		Question:   question,
		Collection: opts.collection,
		ClientID:   "cli",
		TopK:       opts.topK,
	}
	if opts.noRerank {
		off := false
		req.UseReranking = &off
	}

	out := cmd.OutOrStdout()
	var res *pipeline.Result
	if opts.stream {
		res, err = pipe.QueryStream(ctx, req, func(delta string) {
			fmt.Fprint(out, delta)
		})
		fmt.Fprintln(out)
	} else {
		res, err = pipe.Query(ctx, req)
	}
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return printJSON(out, res)
	}
	renderAnswer(cmd, localAnswerView(res), opts.stream)
	return nil
}

func runRemoteQuery(ctx context.Context, cmd *cobra.Command, question string, opts queryOptions) error {
	cl, err := client.New(client.Config{BaseURL: opts.remote, APIKey: opts.apiKey})
	if err != nil {
		return err
	}

	req := client.QueryRequest{
		Question:   question,
		Collection: opts.collection,
		TopK:       opts.topK,
	}
	if opts.noRerank {
		off := false
		req.UseReranking = &off
	}

	out := cmd.OutOrStdout()
	var res *client.QueryResult
	if opts.stream {
		res, err = cl.QueryStream(ctx, req, func(delta string) {
			fmt.Fprint(out, delta)
		})
		fmt.Fprintln(out)
	} else {
		res, err = cl.Query(ctx, req)
	}
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return printJSON(out, res)
	}
	renderAnswer(cmd, remoteAnswerView(res), opts.stream)
	return nil
}

// answerView is the slice of a query result the text renderer needs,
// shared between local pipeline results and remote client results.
type answerView struct {
	Answer           string
	Sources          []sourceView
	Confidence       float64
	Elapsed          float64
	Strategy         string
	Refused          bool
	RefusalReason    string
	DeadlineExceeded bool
	FromCache        bool
}

type sourceView struct {
	Index     int
	Source    string
	Section   string
	Relevance float64
}

func localAnswerView(res *pipeline.Result) answerView {
	v := answerView{
		Answer:           res.Answer,
		Confidence:       res.Confidence,
		Elapsed:          res.ProcessingTimeSeconds,
		Strategy:         res.SearchStrategy,
		Refused:          res.Refused,
		RefusalReason:    res.RefusalReason,
		DeadlineExceeded: res.DeadlineExceeded,
		FromCache:        res.FromCache,
	}
	for _, s := range res.Sources {
		v.Sources = append(v.Sources, sourceView{
			Index: s.Index, Source: s.Source, Section: s.SectionTitle, Relevance: s.Relevance,
		})
	}
	return v
}

func remoteAnswerView(res *client.QueryResult) answerView {
	v := answerView{
		Answer:           res.Answer,
		Confidence:       res.Confidence,
		Elapsed:          res.ProcessingTimeSeconds,
		Strategy:         res.SearchStrategy,
		Refused:          res.Refused,
		RefusalReason:    res.RefusalReason,
		DeadlineExceeded: res.DeadlineExceeded,
		FromCache:        res.FromCache,
	}
	for _, s := range res.Sources {
		v.Sources = append(v.Sources, sourceView{
			Index: s.Index, Source: s.Source, Section: s.SectionTitle, Relevance: s.Relevance,
		})
	}
	return v
}

// renderAnswer prints the answer, its citations, and a one-line footer.
// In stream mode the answer text already went out as deltas.
func renderAnswer(cmd *cobra.Command, v answerView, streamed bool) {
	out := output.New(cmd.OutOrStdout())

	if v.Refused {
		if !streamed {
			out.Warningf("No grounded answer: %s", v.RefusalReason)
		}
	} else if !streamed {
		fmt.Fprintln(cmd.OutOrStdout(), v.Answer)
	}

	if len(v.Sources) > 0 {
		out.Newline()
		out.Statusf("📚", "Sources:")
		for _, s := range v.Sources {
			loc := s.Source
			if s.Section != "" {
				loc = fmt.Sprintf("%s (%s)", s.Source, s.Section)
			}
			out.Statusf("", "[%d] %s  %.2f", s.Index, loc, s.Relevance)
		}
	}

	out.Newline()
	footer := fmt.Sprintf("confidence %.2f, %.2fs, %s", v.Confidence, v.Elapsed, v.Strategy)
	if v.FromCache {
		footer += ", cached"
	}
	if v.DeadlineExceeded {
		footer += ", deadline exceeded"
	}
	out.Status("", footer)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
