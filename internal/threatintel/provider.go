// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package threatintel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kestrelsec/trustflow/internal/logging"
)

// Provider is a single reputation source. Query returns a reputation score
// in [0,100] where 100 is fully trusted and 0 is known-hostile.
type Provider interface {
	Name() string
	Query(ctx context.Context, ip string) (int, error)
}

// Response formats understood by HTTPProvider.
const (
	// FormatAbuseConfidence expects {"data":{"abuseConfidenceScore":N}} and
	// maps it to reputation = 100 - N.
	FormatAbuseConfidence = "abuse-confidence"

	// FormatAnalysisStats expects {"data":{"stats":{"clean":C,"malicious":M,
	// "suspicious":S}}} and maps it to reputation = clean/total * 100.
	FormatAnalysisStats = "analysis-stats"
)

// HTTPProviderConfig configures a single HTTP reputation source.
type HTTPProviderConfig struct {
	// Name identifies the source in logs and metrics.
	Name string

	// URL is the endpoint. A "%s" placeholder is substituted with the IP;
	// without one the IP is appended as an "ip" query parameter.
	URL string

	// Format selects the response parser (FormatAbuseConfidence or
	// FormatAnalysisStats).
	Format string

	// APIKey, when non-empty, is sent in the APIKeyHeader request header.
	APIKey       string
	APIKeyHeader string

	// Timeout bounds a single request attempt. Defaults to 5s.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts per Query. Defaults to 2.
	MaxAttempts int

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Defaults to 3.
	FailureThreshold uint32

	// BreakerTimeout is the open-state duration before probing again.
	// Defaults to 30s.
	BreakerTimeout time.Duration
}

// HTTPProvider queries a reputation API over HTTP with a per-attempt timeout,
// bounded retry, and a circuit breaker. A tripped breaker fails fast without
// touching the network, leaving the aggregator to fall back.
type HTTPProvider struct {
	cfg     HTTPProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

// NewHTTPProvider creates a provider for the given source configuration.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Api-Key"
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Reputation source circuit state change")
		},
	}

	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[int](settings),
	}
}

// Name returns the configured source name.
func (p *HTTPProvider) Name() string {
	return p.cfg.Name
}

// Query fetches the reputation score for ip, retrying transient failures with
// exponential backoff clamped to [2s,5s] between attempts.
func (p *HTTPProvider) Query(ctx context.Context, ip string) (int, error) {
	return p.breaker.Execute(func() (int, error) {
		var lastErr error
		for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
			if attempt > 0 {
				if err := sleepContext(ctx, backoff(attempt)); err != nil {
					return 0, err
				}
			}

			score, err := p.queryOnce(ctx, ip)
			if err == nil {
				return score, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
		}
		return 0, fmt.Errorf("source %s: %w", p.cfg.Name, lastErr)
	})
}

func (p *HTTPProvider) queryOnce(ctx context.Context, ip string) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, p.requestURL(ip), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.APIKeyHeader, p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}

	return p.parse(body)
}

func (p *HTTPProvider) requestURL(ip string) string {
	if strings.Contains(p.cfg.URL, "%s") {
		return fmt.Sprintf(p.cfg.URL, ip)
	}
	sep := "?"
	if strings.Contains(p.cfg.URL, "?") {
		sep = "&"
	}
	return p.cfg.URL + sep + "ip=" + ip
}

func (p *HTTPProvider) parse(body []byte) (int, error) {
	switch p.cfg.Format {
	case FormatAbuseConfidence:
		var out struct {
			Data struct {
				AbuseConfidenceScore int `json:"abuseConfidenceScore"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
		return clampScore(100 - out.Data.AbuseConfidenceScore), nil

	case FormatAnalysisStats:
		var out struct {
			Data struct {
				Stats struct {
					Clean      int `json:"clean"`
					Malicious  int `json:"malicious"`
					Suspicious int `json:"suspicious"`
				} `json:"stats"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
		total := out.Data.Stats.Clean + out.Data.Stats.Malicious + out.Data.Stats.Suspicious
		if total == 0 {
			return 0, fmt.Errorf("analysis stats empty")
		}
		return clampScore(out.Data.Stats.Clean * 100 / total), nil

	default:
		return 0, fmt.Errorf("unknown response format %q", p.cfg.Format)
	}
}

// backoff returns the delay before the given retry attempt (attempt >= 1),
// doubling per attempt and clamped to [2s,5s].
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 2 * time.Second
	if d < 2*time.Second {
		d = 2 * time.Second
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
