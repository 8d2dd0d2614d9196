package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/meetcap/orchestrator/internal/metrics"
)

// ErrAuthRejected marks a relay rejection caused by a secret mismatch. It is
// a configuration error, never transient, and is not retried.
var ErrAuthRejected = errors.New("broadcast relay rejected secret")

// RetryPolicy controls relay delivery retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the relay defaults: 3 attempts, 500ms initial
// delay, 2x multiplier, 5s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Relay delivers events to the process holding the subscriber connections via
// its HTTP broadcast ingress. Delivery is best-effort: each event is handed
// to a detached goroutine that retries transient failures and drops the event
// with a log once attempts are exhausted. The durable store stays
// authoritative, so a dropped event costs a viewer one live update at most.
type Relay struct {
	url    string
	secret string
	client *http.Client
	policy RetryPolicy
}

// NewRelay creates a relay client posting to url. secret, when non-empty, is
// sent as the x-broadcast-secret header on every delivery.
func NewRelay(url, secret string, policy RetryPolicy) *Relay {
	return &Relay{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: policy,
	}
}

// Publish queues one event for relay delivery and returns immediately. The
// returned count is always 0: the remote process owns the subscriber
// connections, so the local side cannot observe delivery.
func (r *Relay) Publish(ctx context.Context, sessionID, eventType string, data any) int {
	body, err := json.Marshal(map[string]any{
		"meetingId": sessionID,
		"type":      eventType,
		"data":      data,
	})
	if err != nil {
		slog.Error("marshal relay event", "session_id", sessionID, "type", eventType, "error", err)
		return 0
	}

	go r.deliver(sessionID, eventType, body)
	return 0
}

func (r *Relay) deliver(sessionID, eventType string, body []byte) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.post(body)
		if err == nil {
			return
		}
		lastErr = err

		if errors.Is(err, ErrAuthRejected) {
			slog.Error("broadcast relay misconfigured", "session_id", sessionID, "type", eventType, "error", err)
			metrics.RelayDropped.Inc()
			return
		}

		if attempt < r.policy.MaxAttempts {
			metrics.RelayRetries.Inc()
			slog.Warn("broadcast relay failed, retrying",
				"session_id", sessionID, "type", eventType, "attempt", attempt, "error", err)
			time.Sleep(r.policy.NextDelay(attempt))
		}
	}

	slog.Error("broadcast relay dropped event",
		"session_id", sessionID, "type", eventType, "attempts", r.policy.MaxAttempts, "error", lastErr)
	metrics.RelayDropped.Inc()
}

func (r *Relay) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set("x-broadcast-secret", r.secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}
	return nil
}
