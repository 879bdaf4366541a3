package conversation

import (
	"testing"
	"time"
)

func TestContext_AppendAndFull(t *testing.T) {
	c := New()
	c.Append(Item{Kind: KindUserMessage, Text: "book me a room"})
	c.Append(Item{Kind: KindToolCall, ToolName: "book_room"})
	c.Append(Item{Kind: KindToolResult, ToolName: "book_room"})

	full := c.Full()
	if len(full) != 3 {
		t.Fatalf("expected 3 items, got %d", len(full))
	}
	if full[0].Kind != KindUserMessage || full[2].Kind != KindToolResult {
		t.Errorf("unexpected item ordering: %+v", full)
	}
}

func TestContext_LastN(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.Append(Item{Kind: KindAssistantMessage, Text: "x"})
	}
	last := c.LastN(2)
	if len(last) != 2 {
		t.Fatalf("expected 2 items, got %d", len(last))
	}
}

func TestContext_TimestampsMonotonic(t *testing.T) {
	c := New()
	future := time.Now().Add(time.Hour)
	c.Append(Item{Kind: KindUserMessage, Timestamp: future})
	c.Append(Item{Kind: KindAssistantMessage, Timestamp: time.Now()}) // earlier wall clock

	full := c.Full()
	if full[1].Timestamp.Before(full[0].Timestamp) {
		t.Errorf("expected second item clamped forward to stay monotonic, got %v before %v", full[1].Timestamp, full[0].Timestamp)
	}
}

func TestContext_SnapshotCounts(t *testing.T) {
	c := New()
	c.Append(Item{Kind: KindUserMessage})
	c.Append(Item{Kind: KindUserMessage})
	c.Append(Item{Kind: KindToolCall})

	snap := c.Snapshot()
	if snap.ItemCount != 3 {
		t.Errorf("expected item_count 3, got %d", snap.ItemCount)
	}
	if snap.CountsByKind["user_message"] != 2 {
		t.Errorf("expected 2 user_message items, got %d", snap.CountsByKind["user_message"])
	}
	if len(snap.RecentItems) != 3 {
		t.Errorf("expected recent items to include all 3 when under the cap, got %d", len(snap.RecentItems))
	}
}
