// Package gate implements the Gate Endpoint Handler: the HTTP rendezvous
// between a suspended workflow POST and the browser-side voice
// conversation. It dispatches /tool-progress by status through the
// three-gate protocol, and serves /tool-cancel, /tool-confirm,
// /tool-status, and /health.
package gate

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/voicerelay/relay/internal/gateway"
	"github.com/voicerelay/relay/internal/hmacverify"
	"github.com/voicerelay/relay/internal/idempotency"
	"github.com/voicerelay/relay/internal/pkg/metrics"
	"github.com/voicerelay/relay/internal/ratelimit"
	"github.com/voicerelay/relay/internal/relay"
	"github.com/voicerelay/relay/internal/sink"
)

// Options are the Gate Endpoint Handler's injected dependencies.
type Options struct {
	Registries  *gateway.Registries
	Idempotency *idempotency.Registry
	RateLimiter *ratelimit.Limiter
	HMAC        *hmacverify.Verifier // nil disables signature verification
	Sessions    *relay.Registry
	Sink        sink.Sink
	Logger      *slog.Logger
	StartedAt   time.Time
}

// Handler serves the gate endpoints.
type Handler struct {
	opts Options
}

// New returns a Handler using opts.
func New(opts Options) *Handler {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Handler{opts: opts}
}

// Register wires the gate routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/tool-progress", h.ToolProgress).Methods(http.MethodPost)
	r.HandleFunc("/tool-cancel", h.ToolCancel).Methods(http.MethodPost)
	r.HandleFunc("/tool-confirm", h.ToolConfirm).Methods(http.MethodPost)
	r.HandleFunc("/tool-status/{id}", h.ToolStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

type progressRequest struct {
	ToolCallID           string `json:"tool_call_id"`
	IntentID             string `json:"intent_id"`
	Status               string `json:"status"`
	Cancellable          bool   `json:"cancellable"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Result               any    `json:"result"`
	VoiceResponse        string `json:"voice_response"`
	Message              string `json:"message"`
	ExecutionTimeMs      int    `json:"execution_time_ms"`
}

func (p progressRequest) id() string {
	if p.ToolCallID != "" {
		return p.ToolCallID
	}
	return p.IntentID
}

type idRequest struct {
	ToolCallID string `json:"tool_call_id"`
	IntentID   string `json:"intent_id"`
	Reason     string `json:"reason"`
}

func (p idRequest) id() string {
	if p.ToolCallID != "" {
		return p.ToolCallID
	}
	return p.IntentID
}

// gateNumber maps a /tool-progress status to its canonical gate number,
// per SPEC_FULL.md's dispatch table. CANCELLED and FAILED are not gated.
func gateNumber(status string) int {
	switch status {
	case "PREPARING":
		return 1
	case "READY_TO_SEND":
		return 2
	case "COMPLETED":
		return 3
	default:
		return 0
	}
}

// ToolProgress implements POST /tool-progress: the workflow's gate callback.
func (h *Handler) ToolProgress(w http.ResponseWriter, r *http.Request) {
	rawBody, ok := h.preprocess(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	id := req.id()
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tool_call_id or intent_id is required"})
		return
	}

	gateNum := gateNumber(req.Status)
	start := time.Now()
	defer func() {
		metrics.GateLatencySeconds.WithLabelValues(strconv.Itoa(gateNum), req.Status).Observe(time.Since(start).Seconds())
	}()

	if gateNum > 0 {
		if cached, hit := h.opts.Idempotency.Lookup(id, gateNum); hit {
			metrics.IdempotencyHitsTotal.Inc()
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	switch req.Status {
	case "PREPARING":
		h.handlePreparing(w, id, req)
	case "READY_TO_SEND":
		h.handleReadyToSend(w, id, req)
	case "COMPLETED":
		h.handleCompleted(w, id, req)
	case "CANCELLED":
		h.handleCancelled(w, id, req)
	case "FAILED":
		h.handleFailed(w, id, req)
	default:
		if h.opts.Logger != nil {
			h.opts.Logger.Warn("gate: unrecognised status, permissive continue", "tool_call_id", id, "status", req.Status)
		}
		writeJSON(w, http.StatusOK, map[string]any{"continue": true, "cancel": false})
	}
}

func (h *Handler) handlePreparing(w http.ResponseWriter, id string, req progressRequest) {
	if cancelled, ok := h.opts.Registries.Cancel.Take(id); ok {
		resp := map[string]any{"continue": false, "cancel": true, "reason": cancelled.Reason}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.notifyBrowser(id, 1, "PREPARING", map[string]any{"cancellable": true, "message": req.Message})
	h.nudge(id, "PREPARING", req.Message)

	resp := map[string]any{"continue": true, "cancel": false}
	h.opts.Idempotency.Store(id, 1, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleReadyToSend implements Gate 2: it blocks the handler goroutine on a
// freshly created Gate2Waiter until confirmation, cancellation, or timeout
// resolves it. No lock is held across the block.
func (h *Handler) handleReadyToSend(w http.ResponseWriter, id string, req progressRequest) {
	if cancelled, ok := h.opts.Registries.Cancel.Take(id); ok {
		resp := map[string]any{"continue": false, "cancel": true, "reason": cancelled.Reason}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sessionID := ""
	if slot, ok := h.opts.Registries.Callback.Lookup(id); ok {
		sessionID = slot.SessionID
	}

	h.notifyBrowser(id, 2, "READY_TO_SEND", map[string]any{"awaiting_confirmation": true, "message": req.Message})
	h.nudge(id, "READY_TO_SEND", req.Message)

	resolution := <-h.opts.Registries.Wait.Create(id, sessionID)

	resp := map[string]any{"continue": resolution.Continue, "cancel": resolution.Cancel, "reason": resolution.Reason}
	h.opts.Idempotency.Store(id, 2, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCompleted(w http.ResponseWriter, id string, req progressRequest) {
	_, slot, hadSlot := h.session(id)
	h.notifyBrowser(id, 3, "COMPLETED", map[string]any{
		"result":            req.Result,
		"voice_response":    req.VoiceResponse,
		"execution_time_ms": req.ExecutionTimeMs,
	})
	h.nudge(id, "COMPLETED", req.VoiceResponse)
	h.opts.Registries.Callback.Clear(id)

	if h.opts.Sink != nil {
		functionName := ""
		if hadSlot {
			functionName = slot.FunctionName
		}
		h.opts.Sink.Record(sink.KindToolExecution, map[string]any{
			"tool_call_id":      id,
			"function_name":     functionName,
			"status":            "COMPLETED",
			"execution_time_ms": req.ExecutionTimeMs,
		})
		h.opts.Sink.Record(sink.KindAudit, map[string]any{
			"tool_call_id": id,
			"event":        "gate3_completed",
		})
	}

	resp := map[string]any{"received": true, "status": "acknowledged"}
	h.opts.Idempotency.Store(id, 3, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancelled(w http.ResponseWriter, id string, req progressRequest) {
	h.notifyBrowser(id, 0, "CANCELLED", map[string]any{"message": req.Message})
	h.nudge(id, "CANCELLED", req.Message)
	h.opts.Registries.Callback.Clear(id)
	h.opts.Registries.Cancel.Take(id)

	writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "acknowledged"})
}

func (h *Handler) handleFailed(w http.ResponseWriter, id string, req progressRequest) {
	h.notifyBrowser(id, 0, "FAILED", map[string]any{"message": req.Message})
	h.nudge(id, "FAILED", req.Message)
	h.opts.Registries.Callback.Clear(id)

	writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "acknowledged"})
}

// ToolCancel implements POST /tool-cancel: out-of-band cancellation from
// any source (not just the workflow).
func (h *Handler) ToolCancel(w http.ResponseWriter, r *http.Request) {
	rawBody, ok := h.preprocess(w, r)
	if !ok {
		return
	}

	var req idRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	id := req.id()
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tool_call_id or intent_id is required"})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "User cancelled"
	}

	if h.opts.Registries.Wait.Exists(id) {
		h.opts.Registries.Wait.Cancel(id, reason)
	} else {
		sessionID := ""
		if slot, ok := h.opts.Registries.Callback.Lookup(id); ok {
			sessionID = slot.SessionID
		}
		h.opts.Registries.Cancel.Set(id, sessionID, reason)
	}

	if _, hasSlot := h.opts.Registries.Callback.Lookup(id); hasSlot {
		h.pushEvent(id, map[string]any{"type": "tool_cancel_requested", "tool_call_id": id, "reason": reason})
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ToolConfirm implements POST /tool-confirm: out-of-band confirmation,
// parallel to the in-voice confirm_pending_action tool.
func (h *Handler) ToolConfirm(w http.ResponseWriter, r *http.Request) {
	rawBody, ok := h.preprocess(w, r)
	if !ok {
		return
	}

	var req idRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	id := req.id()
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tool_call_id or intent_id is required"})
		return
	}

	if h.opts.Registries.Wait.Confirm(id) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "No pending confirmation"})
}

// ToolStatus implements GET /tool-status/:id: a pure inspection of
// cancellation and callback presence, with no consuming side effect.
func (h *Handler) ToolStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}

	resp := map[string]any{"tool_call_id": id, "cancelled": false}
	if cancelled, ok := h.opts.Registries.Cancel.Peek(id); ok {
		resp["cancelled"] = true
		resp["cancel_reason"] = cancelled.Reason
	}
	_, hasSlot := h.opts.Registries.Callback.Lookup(id)
	resp["has_callback"] = hasSlot

	writeJSON(w, http.StatusOK, resp)
}

// Health implements GET /health: liveness and summary counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.opts.StartedAt).String(),
	}
	if h.opts.Sessions != nil {
		resp["connections"] = h.opts.Sessions.Len()
	}
	if h.opts.Registries != nil {
		resp["active_callbacks"] = h.opts.Registries.Callback.Len()
		resp["pending_cancellations"] = h.opts.Registries.Cancel.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// preprocess runs the shared pipeline every /tool-* POST requires: read the
// raw body, enforce the rate limit (always setting the X-RateLimit-*
// headers), then verify the HMAC signature if enabled. Returns the raw body
// and true to continue, or false if a response has already been written.
func (h *Handler) preprocess(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return nil, false
	}
	defer r.Body.Close()

	if h.opts.RateLimiter != nil {
		res := h.opts.RateLimiter.Allow(ratelimit.ClientKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetUnix, 10))
		if !res.Allowed {
			metrics.RateLimitRejectedTotal.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":          "rate_limited",
				"retry_after_ms": res.RetryAfter.Milliseconds(),
			})
			return nil, false
		}
	}

	if h.opts.HMAC != nil {
		sig := r.Header.Get("X-N8n-Signature")
		ts := r.Header.Get("X-N8n-Timestamp")
		if err := h.opts.HMAC.Verify(rawBody, sig, ts, time.Now()); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "detail": err.Error()})
			return nil, false
		}
	}

	return rawBody, true
}

// session resolves toolCallID's CallbackSlot to the live relay.Session, if
// both still exist.
func (h *Handler) session(toolCallID string) (*relay.Session, gateway.CallbackSlot, bool) {
	slot, ok := h.opts.Registries.Callback.Lookup(toolCallID)
	if !ok || h.opts.Sessions == nil {
		return nil, slot, false
	}
	sess, ok := h.opts.Sessions.Lookup(slot.SessionID)
	if !ok {
		return nil, slot, false
	}
	return sess, slot, true
}

// pushEvent best-effort delivers event to the browser socket of the
// session tied to toolCallID's callback slot.
func (h *Handler) pushEvent(toolCallID string, event map[string]any) {
	sess, _, ok := h.session(toolCallID)
	if !ok {
		return
	}
	if err := sess.PushToBrowser(event); err != nil && h.opts.Logger != nil {
		h.opts.Logger.Warn("gate: push to browser failed", "tool_call_id", toolCallID, "err", err)
	}
}

// notifyBrowser pushes a tool_gate event, per SPEC_FULL.md's outbound
// schema. Extras that are nil or empty strings are skipped, so omitted
// fields don't leak into frames the browser wasn't expecting; other zero
// values (e.g. an int 0) are still merged in.
func (h *Handler) notifyBrowser(toolCallID string, gate int, status string, extra map[string]any) {
	event := map[string]any{"type": "tool_gate", "tool_call_id": toolCallID, "status": status}
	if gate > 0 {
		event["gate"] = gate
	}
	for k, v := range extra {
		if isZero(v) {
			continue
		}
		event[k] = v
	}
	h.pushEvent(toolCallID, event)
}

func isZero(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case nil:
		return true
	default:
		return false
	}
}

// nudge best-effort nudges the agent for toolCallID's session.
func (h *Handler) nudge(toolCallID, status, detail string) {
	sess, _, ok := h.session(toolCallID)
	if !ok {
		return
	}
	sess.Nudge(status, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
