package actor

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

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/rivet-gg/actorrepl/internal/logging"
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 100 * time.Millisecond
	maxErrorBody      = 64 << 10
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// HTTPClient performs manager requests. Defaults to a client without a
	// timeout; Connect bounds the whole resolution instead.
	HTTPClient *http.Client

	// Dialer opens actor websockets. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MaxRetries bounds retries of transport and 5xx failures. Zero selects
	// the default of 3; a negative value disables retries.
	MaxRetries int

	// RetryBase is the first exponential backoff delay. Defaults to 100ms.
	RetryBase time.Duration

	// Logger is optional.
	Logger Logger
}

// Manager resolves actors through the actor manager's HTTP API. It is safe
// for concurrent use.
type Manager struct {
	http       *http.Client
	dialer     *websocket.Dialer
	maxRetries uint64
	retryBase  time.Duration
	logger     Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		http:      cfg.HTTPClient,
		dialer:    cfg.Dialer,
		retryBase: cfg.RetryBase,
		logger:    cfg.Logger,
	}
	if m.http == nil {
		m.http = &http.Client{}
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	switch {
	case cfg.MaxRetries == 0:
		m.maxRetries = defaultMaxRetries
	case cfg.MaxRetries > 0:
		m.maxRetries = uint64(cfg.MaxRetries)
	}
	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	return m
}

type actorsRequest struct {
	Query actorsQuery `json:"query"`
}

type actorsQuery struct {
	GetForID *getForID `json:"getForId,omitempty"`
}

type getForID struct {
	ActorID string `json:"actorId"`
}

type actorsResponse struct {
	Endpoint string `json:"endpoint"`
}

// Resolve implements Resolver.
func (m *Manager) Resolve(ctx context.Context, managerURL, actorID string) (Handle, error) {
	endpoint, err := m.Endpoint(ctx, managerURL, actorID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("resolved actor endpoint", "actor_id", actorID, "endpoint", endpoint)
	return Dial(ctx, endpoint, DialOptions{Dialer: m.dialer, Logger: m.logger})
}

// Endpoint asks the manager where actorID is served.
func (m *Manager) Endpoint(ctx context.Context, managerURL, actorID string) (string, error) {
	if managerURL == "" {
		return "", &ManagerError{Message: "manager url is empty"}
	}
	body, err := json.Marshal(actorsRequest{Query: actorsQuery{GetForID: &getForID{ActorID: actorID}}})
	if err != nil {
		return "", err
	}
	target := strings.TrimRight(managerURL, "/") + "/actors"

	backoff := retry.WithMaxRetries(m.maxRetries, retry.NewExponential(m.retryBase))
	var endpoint string
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return &ManagerError{Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Debug("actor manager request failed", "error", err)
			return retry.RetryableError(&ManagerError{Message: err.Error(), Err: err})
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		switch {
		case resp.StatusCode >= 500:
			m.logger.Debug("actor manager unavailable", "status", resp.StatusCode)
			return retry.RetryableError(&ManagerError{Status: resp.StatusCode, Message: errorMessage(payload)})
		case resp.StatusCode == http.StatusNotFound:
			return &ManagerError{Status: resp.StatusCode, Message: errorMessage(payload), Err: ErrNotFound}
		case resp.StatusCode >= 300:
			return &ManagerError{Status: resp.StatusCode, Message: errorMessage(payload)}
		}

		var out actorsResponse
		if err := json.Unmarshal(payload, &out); err != nil || out.Endpoint == "" {
			return &ManagerError{Status: resp.StatusCode, Message: "response carries no endpoint", Err: ErrProtocol}
		}
		endpoint = out.Endpoint
		return nil
	})
	if err != nil {
		var me *ManagerError
		if !errors.As(err, &me) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &ManagerError{Message: err.Error(), Err: err}
		}
		return "", fmt.Errorf("resolve actor %s: %w", actorID, err)
	}
	return endpoint, nil
}

// errorMessage extracts a message from a manager error body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "no message"
}
