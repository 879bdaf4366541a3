// Package tool implements the Tool Executor: the per-call dispatcher that
// routes a model function call to the configured workflow webhook (or to
// one of the four local tools), and returns a result suitable for a
// function_call_output event back to the model.
package tool

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicerelay/relay/internal/callbackurl"
	"github.com/voicerelay/relay/internal/conversation"
	"github.com/voicerelay/relay/internal/gateway"
	"github.com/voicerelay/relay/internal/session"
	"github.com/voicerelay/relay/internal/sink"
)

const dispatchTimeout = 30 * time.Second

// ErrNoWebhookConfigured is returned when a function has no per-tool
// webhook and no dispatcher fallback is configured.
var ErrNoWebhookConfigured = fmt.Errorf("tool: NO_WEBHOOK_CONFIGURED")

// Result is what Execute returns to the caller, destined for a
// function_call_output event.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Options are the Tool Executor's injected dependencies, following the
// pack's constructor-with-injected-Options convention for per-request
// handlers.
type Options struct {
	ToolWebhookMap         map[string]string
	DefaultDispatchWebhook string
	CallbackBaseURL        string

	Validator  *callbackurl.Validator
	Callbacks  *gateway.CallbackRegistry
	Wait       *gateway.WaitRegistry
	Cache      *session.Cache
	Sink       sink.Sink
	HTTPClient *http.Client
}

// Executor is the Tool Executor.
type Executor struct {
	opts Options
}

// New returns an Executor using opts. A zero-value HTTPClient falls back to
// one carrying the spec's 30s dispatch deadline.
func New(opts Options) *Executor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: dispatchTimeout}
	}
	return &Executor{opts: opts}
}

// Session is the minimal session context the executor needs, decoupled
// from internal/relay so the two packages don't import each other.
type Session struct {
	ConnectionID string
	SessionID    string
	Context      *conversation.Context
}

// Execute dispatches functionName with args on behalf of sess. A fresh
// toolCallID (tc_<unix-nano>_<rand9>) is generated here for every remote
// dispatch; args are not consulted for an existing id.
func (e *Executor) Execute(ctx context.Context, functionName string, args map[string]any, sess Session) (string, Result) {
	if local, ok := localTools[functionName]; ok {
		return "", local(e, args, sess)
	}

	toolCallID := newToolCallID()

	webhook, ok := e.resolveWebhook(functionName)
	if !ok {
		return toolCallID, Result{Success: false, Error: "NO_WEBHOOK_CONFIGURED", Message: fmt.Sprintf("no webhook configured for %q", functionName)}
	}

	callbackURL := e.buildCallbackURL()
	if callbackURL != "" {
		e.opts.Callbacks.Register(toolCallID, gateway.CallbackSlot{
			ConnectionID: sess.ConnectionID,
			SessionID:    sess.SessionID,
			FunctionName: functionName,
		})
	}

	body := e.buildRequestBody(functionName, args, sess, toolCallID, callbackURL)

	resp, err := e.post(ctx, webhook, body)
	if err != nil {
		if callbackURL != "" {
			e.opts.Callbacks.Clear(toolCallID)
		}
		return toolCallID, Result{Success: false, Error: "DISPATCH_FAILED", Message: err.Error()}
	}

	if e.opts.Sink != nil {
		e.opts.Sink.Record(sink.KindToolExecution, map[string]any{
			"tool_call_id":  toolCallID,
			"function_name": functionName,
			"session_id":    sess.SessionID,
		})
	}

	return toolCallID, Result{Success: true, Payload: resp}
}

func (e *Executor) resolveWebhook(functionName string) (string, bool) {
	if url, ok := e.opts.ToolWebhookMap[functionName]; ok && url != "" {
		return url, true
	}
	if e.opts.DefaultDispatchWebhook != "" {
		return e.opts.DefaultDispatchWebhook, true
	}
	return "", false
}

// buildCallbackURL forms the callback URL and validates it against the SSRF
// guard. An inadmissible or unconfigured callback causes the tool call to
// proceed without one — security-over-liveness, per SPEC_FULL.md §4.3 —
// rather than aborting the dispatch.
func (e *Executor) buildCallbackURL() string {
	if e.opts.CallbackBaseURL == "" {
		return ""
	}
	candidate := e.opts.CallbackBaseURL + "/tool-progress"
	if e.opts.Validator == nil || !e.opts.Validator.Allowed(candidate) {
		return ""
	}
	return candidate
}

func (e *Executor) buildRequestBody(functionName string, args map[string]any, sess Session, toolCallID, callbackURL string) map[string]any {
	var snapshot any
	if sess.Context != nil {
		snapshot = sess.Context.Snapshot()
	}

	usedDispatcher := e.opts.ToolWebhookMap[functionName] == ""
	if usedDispatcher {
		return map[string]any{
			"function":         functionName,
			"args":             args,
			"connection_id":    sess.ConnectionID,
			"tool_call_id":     toolCallID,
			"callback_url":     callbackURL,
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
			"context_snapshot": snapshot,
		}
	}

	body := map[string]any{
		"connection_id":    sess.ConnectionID,
		"session_id":       sess.SessionID,
		"tool_call_id":     toolCallID,
		"callback_url":     callbackURL,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"context_snapshot": snapshot,
	}
	for k, v := range args {
		body[k] = v
	}
	return body
}

func (e *Executor) post(ctx context.Context, webhook string, body map[string]any) (any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tool: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("tool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool: webhook returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tool: read response: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("tool: parse response: %w", err)
	}
	return parsed, nil
}

// newToolCallID returns "tc_" + unix-nano + "_" + a 9-digit random suffix.
func newToolCallID() string {
	return fmt.Sprintf("tc_%d_%09d", time.Now().UnixNano(), randN(9))
}

func randN(digits int) int {
	max := 1
	for i := 0; i < digits; i++ {
		max *= 10
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	n := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if n < 0 {
		n = -n
	}
	return n % max
}
