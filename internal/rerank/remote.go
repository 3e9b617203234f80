package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// Remote scorer defaults.
const (
	// DefaultScoreTimeout bounds the first scoring attempt. Each retry
	// gets a progressively longer deadline.
	DefaultScoreTimeout = 10 * time.Second

	// scoreAttempts is the total number of scoring attempts.
	scoreAttempts = 3

	// healthTimeout bounds availability probes.
	healthTimeout = 5 * time.Second
)

// RemoteScorerConfig holds configuration for the remote scoring service.
type RemoteScorerConfig struct {
	// Endpoint is the scoring service base URL.
	Endpoint string

	// Model is an optional model identifier forwarded to the service.
	Model string

	// Timeout bounds the first scoring attempt (default: 10s). Attempt
	// n runs with n times this deadline.
	Timeout time.Duration

	// SkipHealthCheck skips the startup probe. The query path checks
	// Available before scoring, so a down service degrades instead of
	// failing requests.
	SkipHealthCheck bool
}

// RemoteScorer scores query-document pairs over HTTP.
type RemoteScorer struct {
	client   *http.Client
	config   RemoteScorerConfig
	endpoint string
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Scorer = (*RemoteScorer)(nil)

// NewRemoteScorer creates a scorer client for a remote scoring service.
func NewRemoteScorer(ctx context.Context, cfg RemoteScorerConfig, log *slog.Logger) (*RemoteScorer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote scorer requires an endpoint")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultScoreTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	s := &RemoteScorer{
		client:   client,
		config:   cfg,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		log:      log,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()

		if err := s.healthCheck(checkCtx); err != nil {
			return nil, fmt.Errorf("rerank service health check failed: %w", err)
		}
	}

	log.Debug("remote_scorer_created",
		slog.String("endpoint", s.endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))

	return s, nil
}

// scoreRequest is the JSON request to the /score endpoint.
type scoreRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

// scoreResponse is the JSON response from the /score endpoint.
type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Score posts the batch and returns one score per document. Failed
// attempts retry with a longer deadline so a briefly overloaded service
// gets more room instead of the same squeeze.
func (s *RemoteScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("remote scorer is closed")
	}
	s.mu.RUnlock()

	if len(documents) == 0 {
		return []float64{}, nil
	}

	payload, err := json.Marshal(scoreRequest{
		Query:     query,
		Documents: documents,
		Model:     s.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= scoreAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		scores, err := s.post(ctx, payload, time.Duration(attempt)*s.config.Timeout)
		if err == nil {
			if len(scores) != len(documents) {
				return nil, fmt.Errorf("rerank service returned %d scores for %d documents",
					len(scores), len(documents))
			}
			return scores, nil
		}

		lastErr = err
		s.log.Debug("score_attempt_failed",
			slog.Int("attempt", attempt),
			slog.Int("documents", len(documents)),
			slog.String("error", err.Error()))
	}

	return nil, ragerrors.Wrap(ragerrors.ErrCodeRerankerUnavailable,
		fmt.Errorf("rerank service failed after %d attempts: %w", scoreAttempts, lastErr))
}

func (s *RemoteScorer) post(ctx context.Context, payload []byte, timeout time.Duration) ([]float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint+"/score", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("score failed (status %d): %s", resp.StatusCode, string(body))
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	return result.Scores, nil
}

// healthCheck verifies the scoring service answers its health endpoint.
func (s *RemoteScorer) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to rerank service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rerank service unhealthy (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// Available checks if the scoring service is reachable.
func (s *RemoteScorer) Available(ctx context.Context) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	return s.healthCheck(checkCtx) == nil
}

// Close releases resources.
func (s *RemoteScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if transport, ok := s.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}

	return nil
}
