package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteConfig configures the built-in HTTP remote executor and reference
// downloader.
type RemoteConfig struct {
	// Endpoint is the base URL of the remote system.
	Endpoint string

	// AuthType specifies the auth type: "api_key", "bearer", "basic".
	// Empty means no authentication headers are sent.
	AuthType string
	APIKey   string
	Token    string
	Username string
	Password string

	// Timeout bounds one HTTP request. Default: 30s.
	Timeout time.Duration

	// MaxAttempts is the transport-level retry budget within one logical
	// delivery attempt. Default: 3.
	MaxAttempts int

	// HTTPClient can be injected for testing. Defaults to an http.Client
	// with Timeout.
	HTTPClient HTTPDoer
}

// applyAuth sets the configured authentication headers on a request.
func (c RemoteConfig) applyAuth(req *http.Request) {
	switch c.AuthType {
	case "api_key":
		req.Header.Set("X-API-Key", c.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case "basic":
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// ExecuteRequest is the JSON body posted for one action delivery. Payload
// is the plaintext operation arguments; the remote system deduplicates on
// ID, so resending after a retry or a conflict re-attempt is safe.
type ExecuteRequest struct {
	ID         string     `json:"id"`
	Kind       ActionKind `json:"kind"`
	Payload    []byte     `json:"payload"`
	Checksum   string     `json:"checksum,omitempty"`
	OwnerID    string     `json:"owner_id"`
	DeviceID   string     `json:"device_id"`
	Attempt    int        `json:"attempt"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// divergenceBody is the JSON shape of a 409 response reporting that the
// remote state does not match what the action assumed.
type divergenceBody struct {
	Class           ConflictClass `json:"class"`
	Message         string        `json:"message,omitempty"`
	RemotePayload   []byte        `json:"remote_payload,omitempty"`
	RemoteUpdatedAt time.Time     `json:"remote_updated_at,omitempty"`
}

// HTTPExecutor delivers actions to a JSON HTTP endpoint. Server errors,
// rate limits, and network failures come back as transient errors; a 409
// decodes into a Divergence for the conflict resolver; any other client
// error is a permanent rejection.
//
// Transport-level retries happen inside one logical attempt and do not
// touch the action's retry budget. A circuit breaker guards the endpoint:
// while it is open the executor reports a transient failure immediately
// instead of hammering a host that is down.
type HTTPExecutor struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewHTTPExecutor creates an executor posting to cfg.Endpoint.
func NewHTTPExecutor(cfg RemoteConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPExecutor{
		config: cfg,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}),
		breaker: NewCircuitBreaker(5, 60*time.Second),
	}
}

// Execute implements RemoteExecutor.
func (e *HTTPExecutor) Execute(ctx context.Context, action *QueuedAction) (*Ack, error) {
	var ack *Ack
	var outcome error

	err := e.breaker.Execute(func() error {
		ack, outcome = e.send(ctx, action)
		// Only service failures trip the breaker; a divergence or a
		// permanent rejection is an answer, not an outage.
		if IsTransient(outcome) {
			return outcome
		}
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &TransientError{Message: "remote endpoint unavailable", Cause: err}
	}
	return ack, outcome
}

// send runs one logical delivery attempt, retrying transient failures at
// the transport level.
func (e *HTTPExecutor) send(ctx context.Context, action *QueuedAction) (*Ack, error) {
	body, err := json.Marshal(ExecuteRequest{
		ID:         action.ID,
		Kind:       action.Kind,
		Payload:    action.Payload,
		Checksum:   action.Checksum,
		OwnerID:    action.OwnerID,
		DeviceID:   action.DeviceID,
		Attempt:    action.RetryCount + 1,
		EnqueuedAt: action.EnqueuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	var ack *Ack
	result := e.retryer.Do(ctx, func() error {
		a, err := e.post(ctx, body)
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return ack, nil
}

// post sends one HTTP request and classifies the response. The request is
// rebuilt per call so the body survives transport retries.
func (e *HTTPExecutor) post(ctx context.Context, body []byte) (*Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.Endpoint+"/api/v1/actions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.config.applyAuth(req)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack Ack
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			// An empty or non-JSON 2xx body still acknowledges delivery.
			return &Ack{}, nil
		}
		return &ack, nil

	case resp.StatusCode == http.StatusConflict:
		var div divergenceBody
		if err := json.NewDecoder(resp.Body).Decode(&div); err != nil {
			return nil, &Divergence{Class: ClassConcurrentUpdate, Message: "remote reported conflict"}
		}
		class := div.Class
		if class == "" {
			class = ClassConcurrentUpdate
		}
		return nil, &Divergence{
			Class:           class,
			Message:         div.Message,
			RemotePayload:   div.RemotePayload,
			RemoteUpdatedAt: div.RemoteUpdatedAt,
		}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Message: "server error", Status: resp.StatusCode}

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("remote rejected action: status %d: %s", resp.StatusCode, string(msg))
	}
}

// BreakerState reports the circuit breaker state for observability.
func (e *HTTPExecutor) BreakerState() string {
	return e.breaker.State()
}
