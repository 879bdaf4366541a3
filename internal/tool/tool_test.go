package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicerelay/relay/internal/callbackurl"
	"github.com/voicerelay/relay/internal/conversation"
	"github.com/voicerelay/relay/internal/gateway"
)

func TestExecute_NoWebhookConfigured(t *testing.T) {
	e := New(Options{})
	toolCallID, res := e.Execute(context.Background(), "book_room", nil, Session{SessionID: "s1"})
	if res.Success {
		t.Fatalf("expected failure when no webhook is configured")
	}
	if res.Error != "NO_WEBHOOK_CONFIGURED" {
		t.Errorf("expected NO_WEBHOOK_CONFIGURED, got %q", res.Error)
	}
	if toolCallID == "" {
		t.Errorf("expected a tool_call_id to be generated even on resolution failure")
	}
}

func TestExecute_DispatchesToPerToolWebhook(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := New(Options{
		ToolWebhookMap: map[string]string{"book_room": srv.URL},
		Callbacks:      gateway.NewCallbackRegistry(),
	})

	toolCallID, res := e.Execute(context.Background(), "book_room", map[string]any{"room": "101"}, Session{
		SessionID:    "s1",
		ConnectionID: "c1",
		Context:      conversation.New(),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if gotBody["room"] != "101" {
		t.Errorf("expected per-tool body to spread args at top level, got %v", gotBody)
	}
	if gotBody["tool_call_id"] != toolCallID {
		t.Errorf("expected request body tool_call_id to match returned id")
	}
}

func TestExecute_DispatcherFallbackShapesDifferently(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := New(Options{
		DefaultDispatchWebhook: srv.URL,
		Callbacks:              gateway.NewCallbackRegistry(),
	})

	_, res := e.Execute(context.Background(), "unmapped_fn", map[string]any{"x": 1}, Session{
		SessionID: "s1",
		Context:   conversation.New(),
	})
	if !res.Success {
		t.Fatalf("expected success via dispatcher fallback, got %+v", res)
	}
	if gotBody["function"] != "unmapped_fn" {
		t.Errorf("expected dispatcher body to wrap function name, got %v", gotBody)
	}
	args, ok := gotBody["args"].(map[string]any)
	if !ok || args["x"] != float64(1) {
		t.Errorf("expected args nested under 'args' for dispatcher path, got %v", gotBody)
	}
}

func TestExecute_WebhookErrorReleasesCallbackSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	callbacks := gateway.NewCallbackRegistry()
	e := New(Options{
		ToolWebhookMap:  map[string]string{"book_room": srv.URL},
		CallbackBaseURL: "https://relay.example.com",
		Validator:       callbackurl.New([]string{"relay.example.com"}),
		Callbacks:       callbacks,
	})

	toolCallID, res := e.Execute(context.Background(), "book_room", nil, Session{SessionID: "s1", Context: conversation.New()})
	if res.Success {
		t.Fatalf("expected failure on 500 response")
	}
	if _, ok := callbacks.Lookup(toolCallID); ok {
		t.Errorf("expected callback slot released after dispatch failure")
	}
}

func TestExecute_InadmissibleCallbackURLOmittedNotAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := New(Options{
		ToolWebhookMap:  map[string]string{"book_room": srv.URL},
		CallbackBaseURL: "https://evil.example.org",
		Validator:       callbackurl.New([]string{"relay.example.com"}),
		Callbacks:       gateway.NewCallbackRegistry(),
	})

	_, res := e.Execute(context.Background(), "book_room", nil, Session{SessionID: "s1", Context: conversation.New()})
	if !res.Success {
		t.Fatalf("expected tool call to proceed without a callback URL, got %+v", res)
	}
}

func TestConfirmPendingAction_NoWaiterPending(t *testing.T) {
	e := New(Options{Wait: gateway.NewWaitRegistry(0)})
	res := e.confirmPendingAction(map[string]any{"tool_call_id": "tc_x", "confirmed": true}, Session{})
	if !res.Success {
		t.Fatalf("expected a polite success response even with no pending waiter")
	}
}

func TestConfirmPendingAction_ResolvesExistingWaiter(t *testing.T) {
	wait := gateway.NewWaitRegistry(0)
	ch := wait.Create("tc_1", "s1")
	e := New(Options{Wait: wait})

	res := e.confirmPendingAction(map[string]any{"tool_call_id": "tc_1", "confirmed": true}, Session{})
	if !res.Success {
		t.Fatalf("expected confirm to resolve the pending waiter")
	}
	resolution := <-ch
	if !resolution.Continue {
		t.Errorf("expected Continue=true after confirmation, got %+v", resolution)
	}
}

func TestGetSessionContext_MissingKey(t *testing.T) {
	e := New(Options{})
	res := e.getSessionContext(map[string]any{}, Session{})
	if res.Success {
		t.Fatalf("expected failure when key is omitted")
	}
}
