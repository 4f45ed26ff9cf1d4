package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// ErrScoringUnavailable wraps every failure to reach the scoring service.
var ErrScoringUnavailable = errors.New("scoring unavailable")

const (
	endpointSentiment = "sentiment-analysis"
	endpointCoaching  = "coaching-tips"
)

// Config contains scoring client configuration
type Config struct {
	BaseURL      string // e.g. http://localhost:8000
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // Multiplied by the attempt number
}

// Client calls the sentiment and coaching endpoints of the analysis server
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *logger.ContextLogger
}

// New creates a scoring client
func New(config Config, log *logger.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log.With("scoring"),
	}
}

// Sentiment scores a transcript. An empty transcript is neutral without a
// round trip.
func (c *Client) Sentiment(ctx context.Context, transcript string) (protocol.Sentiment, error) {
	if strings.TrimSpace(transcript) == "" {
		return protocol.NeutralSentiment(), nil
	}

	var resp protocol.SentimentResponse
	if err := c.post(ctx, endpointSentiment, protocol.SentimentRequest{Transcript: transcript}, &resp); err != nil {
		return protocol.Sentiment{}, err
	}
	return resp.Sentiment.Normalize(), nil
}

// CoachingTips asks for suggestions on the whole transcript.
func (c *Client) CoachingTips(ctx context.Context, transcript string) ([]protocol.CoachingTip, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	var resp protocol.CoachingResponse
	if err := c.post(ctx, endpointCoaching, protocol.CoachingRequest{Transcript: transcript}, &resp); err != nil {
		return nil, err
	}
	return resp.Tips, nil
}

// post sends body to endpoint with bounded retries. Client errors (4xx) are
// not retried.
func (c *Client) post(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	start := time.Now()
	defer func() {
		metrics.ScoringLatency.WithLabelValues(endpoint).Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.config.RetryBackoff
			c.logger.Debug("Retrying %s in %s (attempt %d/%d)", endpoint, backoff, attempt, c.config.MaxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				metrics.ScoringRequestsTotal.WithLabelValues(endpoint, "cancelled").Inc()
				return fmt.Errorf("%w: %v", ErrScoringUnavailable, ctx.Err())
			}
		}

		retry, err := c.do(ctx, endpoint, payload, out)
		if err == nil {
			metrics.ScoringRequestsTotal.WithLabelValues(endpoint, "success").Inc()
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}

	metrics.ScoringRequestsTotal.WithLabelValues(endpoint, "failed").Inc()
	c.logger.Warn("%s failed: %v", endpoint, lastErr)
	return fmt.Errorf("%w: %v", ErrScoringUnavailable, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, payload []byte, out interface{}) (retry bool, err error) {
	url := c.config.BaseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}
