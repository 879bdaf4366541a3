package sink

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRedact_MasksSecretShapedFields(t *testing.T) {
	in := map[string]any{
		"tool_call_id": "tc_1",
		"api_key":      "sk-abc123",
		"nested":       map[string]any{"password": "hunter2", "name": "ok"},
	}
	out := Redact(in)
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("expected api_key to be redacted, got %v", out["api_key"])
	}
	if out["tool_call_id"] != "tc_1" {
		t.Errorf("expected tool_call_id to pass through, got %v", out["tool_call_id"])
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" {
		t.Errorf("expected nested password to be redacted, got %v", nested["password"])
	}
	if nested["name"] != "ok" {
		t.Errorf("expected nested name to pass through, got %v", nested["name"])
	}
}

// countingTransport lets a test observe how many delivery attempts occurred
// without depending on real I/O.
type countingTransport struct {
	mu       sync.Mutex
	attempts int32
	failN    int32 // fail the first failN attempts, then succeed
}

func (c *countingTransport) deliver(kind Kind, payload map[string]any) error {
	n := atomic.AddInt32(&c.attempts, 1)
	if n <= c.failN {
		return errTransient
	}
	return nil
}

var errTransient = &transientErr{}

type transientErr struct{}

func (e *transientErr) Error() string { return "transient delivery failure" }

func TestBase_RecordNeverBlocksOnFailure(t *testing.T) {
	ct := &countingTransport{failN: 100} // always fails within this test's lifetime
	b := newBase(ct.deliver, nil)
	defer b.Close()
	b.logger = discardLogger()

	b.Record(KindAudit, map[string]any{"x": 1})

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) != 1 {
		t.Fatalf("expected 1 pending entry after failed delivery, got %d", len(b.pending))
	}
}

func TestBase_PendingLogDropsOnOverflow(t *testing.T) {
	ct := &countingTransport{failN: 10000}
	b := newBase(ct.deliver, discardLogger())
	defer b.Close()

	for i := 0; i < pendingLogCapacity+10; i++ {
		b.Record(KindToolExecution, map[string]any{"i": i})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) != pendingLogCapacity {
		t.Errorf("expected pending buffer capped at %d, got %d", pendingLogCapacity, len(b.pending))
	}
}

func TestBase_FlushOnceRetriesAndSucceeds(t *testing.T) {
	ct := &countingTransport{failN: 1}
	b := newBase(ct.deliver, discardLogger())
	defer b.Close()

	b.Record(KindAudit, map[string]any{"x": 1}) // first attempt fails, enqueued

	b.flushOnce() // retry succeeds

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) != 0 {
		t.Errorf("expected pending buffer empty after successful retry, got %d", len(b.pending))
	}
}

func TestBase_AbandonsAfterMaxRetries(t *testing.T) {
	ct := &countingTransport{failN: 10000}
	b := newBase(ct.deliver, discardLogger())
	defer b.Close()

	b.Record(KindAudit, map[string]any{"x": 1})
	for i := 0; i < maxRetries+2; i++ {
		b.flushOnce()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) != 0 {
		t.Errorf("expected entry abandoned (not retained forever), got %d pending", len(b.pending))
	}
}
