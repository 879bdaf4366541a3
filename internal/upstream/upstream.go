// Package upstream manages the relay's outbound WebSocket connections to
// the OpenAI Realtime API: one connection per session, opened with retry
// and backoff, guarded by a process-wide circuit breaker so a prolonged
// upstream outage fails fast instead of queuing an unbounded pile of
// hung dials.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"

	"github.com/voicerelay/relay/internal/pkg/metrics"
)

const (
	handshakeTimeout = 30 * time.Second
	maxAttempts      = 5
	backoffBase      = time.Second

	breakerName           = "openai-realtime"
	breakerCooldown       = 30 * time.Second
	breakerTripThreshold  = 5
	breakerHalfOpenProbes = 1
)

// Manager opens and tracks upstream WebSocket connections.
type Manager struct {
	baseURL string
	apiKey  string
	dialer  *websocket.Dialer

	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
}

// New returns a Manager dialing baseURL (the Realtime API endpoint) with
// apiKey as bearer auth.
func New(baseURL, apiKey string) *Manager {
	m := &Manager{
		baseURL: baseURL,
		apiKey:  apiKey,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}

	m.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: breakerHalfOpenProbes,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitionsTotal.WithLabelValues(breakerName, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(stateValue(to))
		},
	})

	return m
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Connect dials a fresh upstream connection for sessionID, making up to
// 5 attempts with exponential backoff between them (1s, 2s, 4s, 8s) through a
// process-wide circuit breaker. The breaker trips after 5 consecutive dial
// failures and stays open for 30s before allowing a single probe.
func (m *Manager) Connect(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, err := m.breaker.Execute(func() (*websocket.Conn, error) {
			return m.dial(ctx)
		})
		if err == nil {
			return conn, nil
		}
		lastErr = err
		metrics.CircuitBreakerFailuresTotal.WithLabelValues(breakerName).Inc()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream: circuit breaker open for session %s: %w", sessionID, err)
		}
	}
	return nil, fmt.Errorf("upstream: exhausted %d connection attempts for session %s: %w", maxAttempts, sessionID, lastErr)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.apiKey)

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}
	return conn, nil
}
