package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"gateway/internal/plan"
)

// remoteResponse pairs a remote body with its response headers, which the
// transport discards after logging.
type remoteResponse struct {
	body    []byte
	headers http.Header
}

// RemoteClientConfig tunes the remote-schema HTTP client.
type RemoteClientConfig struct {
	// Timeout bounds one remote round trip.
	Timeout time.Duration

	// MaxRetries bounds transient-failure retries per call.
	MaxRetries uint64

	// BreakerFailures is the consecutive-failure count that opens the
	// breaker for the cooldown period.
	BreakerFailures uint32

	// BreakerCooldown is the open-state duration.
	BreakerCooldown time.Duration

	Logger *zap.Logger
}

// DefaultRemoteClientConfig returns the production defaults.
func DefaultRemoteClientConfig() RemoteClientConfig {
	return RemoteClientConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      2,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

// RemoteClient forwards remote-schema steps over HTTP with retry and a
// circuit breaker shared across connections.
type RemoteClient struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[remoteResponse]
	retries uint64
	logger  *zap.Logger
}

// NewRemoteClient creates a client. The given http.Client is the
// environment's outbound client; pass nil for a default one.
func NewRemoteClient(hc *http.Client, cfg RemoteClientConfig) *RemoteClient {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:    "remote-schema",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	}
	return &RemoteClient{
		http:    hc,
		breaker: gobreaker.NewCircuitBreaker[remoteResponse](settings),
		retries: cfg.MaxRetries,
		logger:  cfg.Logger.Named("remote"),
	}
}

// Execute posts the step's GraphQL request to the remote endpoint with
// the forwarded headers and returns the response body and headers.
func (c *RemoteClient) Execute(ctx context.Context, step *plan.RemoteStep, headers http.Header) ([]byte, http.Header, error) {
	resp, err := c.breaker.Execute(func() (remoteResponse, error) {
		var out remoteResponse
		attempt := func() error {
			r, err := c.post(ctx, step, headers)
			if err != nil {
				return err
			}
			out = r
			return nil
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
		return out, backoff.Retry(attempt, bo)
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.body, resp.headers, nil
}

func (c *RemoteClient) post(ctx context.Context, step *plan.RemoteStep, headers http.Header) (remoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, step.Endpoint, bytes.NewReader(step.Request))
	if err != nil {
		return remoteResponse{}, backoff.Permanent(err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return remoteResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return remoteResponse{}, err
	}
	if resp.StatusCode >= 500 {
		return remoteResponse{}, fmt.Errorf("remote returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return remoteResponse{}, backoff.Permanent(fmt.Errorf("remote returned %d: %s", resp.StatusCode, body))
	}
	return remoteResponse{body: body, headers: resp.Header}, nil
}
