package session

import (
	"testing"
	"time"
)

func TestCache_GetSetContext(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	if _, ok := c.GetContext("s1", "bot_name"); ok {
		t.Fatalf("expected missing key to report ok=false")
	}

	c.SetContext("s1", "bot_name", "Aria", false)
	v, ok := c.GetContext("s1", "bot_name")
	if !ok || v != "Aria" {
		t.Fatalf("expected bot_name=Aria, got %v ok=%v", v, ok)
	}
}

func TestCache_PendingToolLifecycle(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	c.MarkToolPending("s1", "tc_1")
	if !c.IsToolPending("s1", "tc_1") {
		t.Fatalf("expected tc_1 to be pending")
	}

	c.ClearToolPending("s1", ToolRecord{ToolCallID: "tc_1", FunctionName: "book_room", Status: "COMPLETED"})
	if c.IsToolPending("s1", "tc_1") {
		t.Fatalf("expected tc_1 no longer pending after clear")
	}

	recent := c.RecentTools("s1")
	if len(recent) != 1 || recent[0].ToolCallID != "tc_1" {
		t.Fatalf("expected recent-tool ring to contain tc_1, got %+v", recent)
	}
}

func TestCache_RecentToolRingBounded(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	for i := 0; i < recentToolRingSize+5; i++ {
		c.ClearToolPending("s1", ToolRecord{ToolCallID: "tc", FunctionName: "noop"})
	}

	recent := c.RecentTools("s1")
	if len(recent) != recentToolRingSize {
		t.Fatalf("expected ring capped at %d, got %d", recentToolRingSize, len(recent))
	}
}

func TestCache_LastQueryResult(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	if _, ok := c.LastQueryResult("s1"); ok {
		t.Fatalf("expected no query result initially")
	}
	c.SetLastQueryResult("s1", map[string]any{"rows": 3})
	v, ok := c.LastQueryResult("s1")
	if !ok {
		t.Fatalf("expected a stashed query result")
	}
	if v.(map[string]any)["rows"] != 3 {
		t.Fatalf("unexpected query result: %v", v)
	}
}

func TestCache_Destroy(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	c.SetContext("s1", "k", "v", false)
	c.Destroy("s1")
	if _, ok := c.GetContext("s1", "k"); ok {
		t.Fatalf("expected context cleared after Destroy")
	}
}

func TestCache_ReapIdleSessions(t *testing.T) {
	c := New(nil, 20*time.Millisecond)
	defer c.Close()

	c.SetContext("s1", "k", "v", false)
	time.Sleep(80 * time.Millisecond)

	c.mu.RLock()
	_, ok := c.sessions["s1"]
	c.mu.RUnlock()
	if ok {
		t.Fatalf("expected idle session to be reaped")
	}
}
