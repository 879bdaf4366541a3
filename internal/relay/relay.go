// Package relay implements the Relay Core: the per-session coordinator
// that owns both WebSocket peers (browser and upstream model), queues
// browser frames until the upstream connection is ready, intercepts a
// handful of upstream event types for the Gated Execution Engine, and
// tears both sockets down together. Restructured from the teacher's
// Hub/Client broadcast model into a 1:1 coordinator, since this protocol
// has exactly two peers per session rather than many subscribers.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerelay/relay/internal/audio"
	"github.com/voicerelay/relay/internal/conversation"
	"github.com/voicerelay/relay/internal/gateway"
	"github.com/voicerelay/relay/internal/nudge"
	"github.com/voicerelay/relay/internal/pkg/metrics"
	"github.com/voicerelay/relay/internal/session"
	"github.com/voicerelay/relay/internal/sink"
	"github.com/voicerelay/relay/internal/tool"
	"github.com/voicerelay/relay/internal/upstream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024

	queueCapacity = 256
)

// State is a session's position in the per-session state machine.
type State int

const (
	StateEstablishing State = iota
	StateReady
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "ESTABLISHING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Dependencies are the components a Session coordinates between. All are
// shared, process-wide instances injected once at server startup.
type Dependencies struct {
	UpstreamManager *upstream.Manager
	Tool            *tool.Executor
	Gateways        *gateway.Registries
	Cache           *session.Cache
	Sink            sink.Sink
	Logger          *slog.Logger
	Registry        *Registry
}

// Session is the Relay Core's per-connection coordinator.
type Session struct {
	ID           string
	ConnectionID string

	browser  *websocket.Conn
	upstream *websocket.Conn

	deps Dependencies

	mu    sync.Mutex
	state State
	queue [][]byte

	browserWriteMu  sync.Mutex
	upstreamWriteMu sync.Mutex

	context      *conversation.Context
	audioMonitor *audio.Monitor

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New returns a Session bound to an already-upgraded browser socket.
// ConnectionID and SessionID are equal — a session's identity is its
// connection's identity, per SPEC_FULL.md's data model.
func New(id string, browser *websocket.Conn, deps Dependencies) *Session {
	s := &Session{
		ID:           id,
		ConnectionID: id,
		browser:      browser,
		deps:         deps,
		state:        StateEstablishing,
		context:      conversation.New(),
		doneCh:       make(chan struct{}),
	}
	s.audioMonitor = audio.New(func(gap time.Duration) {
		if s.deps.Logger != nil {
			s.deps.Logger.Warn("audio gap exceeded warning threshold", "session_id", s.ID, "gap_ms", gap.Milliseconds())
		}
	})
	return s
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to completion: acquires the upstream connection,
// pumps both directions, and tears everything down on exit. It blocks until
// the session is fully closed.
func (s *Session) Run(ctx context.Context) {
	metrics.WebSocketConnectionsActive.Inc()
	defer metrics.WebSocketConnectionsActive.Dec()
	if s.deps.Registry != nil {
		s.deps.Registry.Register(s)
	}
	defer s.teardown()

	s.browser.SetReadLimit(maxMessageSize)
	s.browser.SetReadDeadline(time.Now().Add(pongWait))
	s.browser.SetPongHandler(func(string) error {
		s.browser.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.browserReadPump()
	}()

	conn, err := s.deps.UpstreamManager.Connect(ctx, s.ID)
	if err != nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Error("upstream connect failed", "session_id", s.ID, "err", err)
		}
		s.setState(StateFailed)
		s.browser.Close()
		wg.Wait()
		return
	}
	s.upstream = conn

	s.flushQueue()
	s.setState(StateReady)

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.upstreamReadPump()
	}()
	go func() {
		defer wg.Done()
		s.browserKeepalive()
	}()

	wg.Wait()
}

// browserReadPump reads frames from the browser and forwards or queues
// them depending on session state.
func (s *Session) browserReadPump() {
	defer s.beginDraining()
	for {
		_, message, err := s.browser.ReadMessage()
		if err != nil {
			return
		}
		metrics.WebSocketMessagesReceivedTotal.WithLabelValues("browser").Inc()
		metrics.WebSocketMessageSizeBytes.WithLabelValues("received").Observe(float64(len(message)))

		switch s.getState() {
		case StateEstablishing:
			s.mu.Lock()
			if len(s.queue) < queueCapacity {
				s.queue = append(s.queue, message)
			}
			s.mu.Unlock()
		case StateReady:
			s.forwardToUpstream(message)
		default:
			// DRAINING/CLOSED/FAILED: drop
		}
	}
}

func (s *Session) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, msg := range pending {
		s.forwardToUpstream(msg)
	}
}

func (s *Session) forwardToUpstream(message []byte) {
	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	if s.upstream == nil {
		return
	}
	s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.upstream.WriteMessage(websocket.TextMessage, message); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Warn("forward to upstream failed", "session_id", s.ID, "err", err)
		return
	}
	metrics.WebSocketMessagesSentTotal.WithLabelValues("upstream").Inc()
}

func (s *Session) writeToBrowser(v any) error {
	s.browserWriteMu.Lock()
	defer s.browserWriteMu.Unlock()
	s.browser.SetWriteDeadline(time.Now().Add(writeWait))
	return s.browser.WriteJSON(v)
}

// WriteJSON implements nudge.Sender against the upstream socket.
func (s *Session) WriteJSON(v any) error {
	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	if s.upstream == nil {
		return errUpstreamNotOpen
	}
	s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
	return s.upstream.WriteJSON(v)
}

var errUpstreamNotOpen = errClosedUpstream{}

type errClosedUpstream struct{}

func (errClosedUpstream) Error() string { return "relay: upstream socket is not open" }

// upstreamReadPump reads frames from upstream, intercepts the event types
// the Gated Execution Engine cares about, and passes everything else
// straight through to the browser.
func (s *Session) upstreamReadPump() {
	defer s.beginDraining()
	for {
		_, message, err := s.upstream.ReadMessage()
		if err != nil {
			return
		}
		metrics.WebSocketMessagesReceivedTotal.WithLabelValues("upstream").Inc()
		metrics.WebSocketMessageSizeBytes.WithLabelValues("received").Observe(float64(len(message)))

		s.handleUpstreamEvent(message)
	}
}

func (s *Session) handleUpstreamEvent(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.passthroughToBrowser(raw)
		return
	}

	if containsAudio(envelope.Type) {
		s.audioMonitor.RecordReceived()
	}

	switch envelope.Type {
	case "response.function_call_arguments.done":
		s.onFunctionCallDone(raw)
		return // not forwarded verbatim; the tool path emits its own events
	case "conversation.item.input_audio_transcription.completed":
		s.onUserTranscript(raw)
	case "response.audio_transcript.done":
		s.onAssistantTranscript(raw)
	}

	if containsAudio(envelope.Type) {
		s.audioMonitor.RecordSent()
	}
	s.passthroughToBrowser(raw)
}

func (s *Session) passthroughToBrowser(raw []byte) {
	s.browserWriteMu.Lock()
	defer s.browserWriteMu.Unlock()
	s.browser.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.browser.WriteMessage(websocket.TextMessage, raw); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Warn("forward to browser failed", "session_id", s.ID, "err", err)
		return
	}
	metrics.WebSocketMessagesSentTotal.WithLabelValues("browser").Inc()
}

func containsAudio(eventType string) bool {
	for i := 0; i+5 <= len(eventType); i++ {
		if eventType[i:i+5] == "audio" {
			return true
		}
	}
	return false
}

// browserKeepalive pings the browser every 30s. The ping loop exits as soon
// as a write fails, which happens once the socket is no longer open.
func (s *Session) browserKeepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.browserWriteMu.Lock()
			s.browser.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.browser.WriteMessage(websocket.PingMessage, nil)
			s.browserWriteMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// beginDraining moves the session to DRAINING the first time either pump
// observes a closed peer.
func (s *Session) beginDraining() {
	s.mu.Lock()
	if s.state == StateReady || s.state == StateEstablishing {
		s.state = StateDraining
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.doneCh) })
}

// teardown implements the CLOSED-state cleanup contract: close both
// sockets, release gateway registrations and cache state, write the final
// audit record.
func (s *Session) teardown() {
	s.setState(StateClosed)

	if s.upstream != nil {
		s.upstream.Close()
	}
	s.browser.Close()

	if s.deps.Gateways != nil {
		s.deps.Gateways.CloseSession(s.ID)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Destroy(s.ID)
	}
	if s.deps.Registry != nil {
		s.deps.Registry.Unregister(s.ID)
	}
	health := s.audioMonitor.Health()
	metrics.AudioPacketLossRatio.Observe(health.PacketLossRatio)
	if s.deps.Sink != nil {
		s.deps.Sink.Record(sink.KindAudit, map[string]any{
			"session_id":   s.ID,
			"audio_health": health,
			"transcript":   s.context.Snapshot(),
		})
	}
}

// Nudge sends an instructions-override event upstream for the given gate
// status, best-effort.
func (s *Session) Nudge(status, detail string) {
	var sender nudge.Sender
	s.upstreamWriteMu.Lock()
	if s.upstream != nil {
		sender = s
	}
	s.upstreamWriteMu.Unlock()
	nudge.Nudge(s.deps.Logger, sender, status, detail)
}

// PushToBrowser sends a JSON event to the browser (used by the Gate
// Endpoint Handler to notify of gate transitions). Returns an error if the
// browser socket is not reachable; callers treat that as best-effort.
func (s *Session) PushToBrowser(v any) error {
	return s.writeToBrowser(v)
}

// Context exposes the session's ConversationContext for the Tool Executor.
func (s *Session) Context() *conversation.Context {
	return s.context
}

// AudioMonitor exposes the session's Audio Transmission Monitor.
func (s *Session) AudioMonitor() *audio.Monitor {
	return s.audioMonitor
}
