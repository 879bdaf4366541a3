// Package conversation implements the per-session ConversationContext: an
// append-only, timestamp-monotonic event log consumed by the Tool Executor
// (for context snapshots) and the Structured Sink (for the final session
// audit record).
package conversation

import (
	"sync"
	"time"
)

// Kind tags the variant of a conversation item.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
)

// Item is one entry in a ConversationContext.
type Item struct {
	Kind      Kind
	Text      string         // for user_message / assistant_message
	ToolName  string         // for tool_call / tool_result
	ToolCall  map[string]any // arbitrary payload: args, result, etc.
	Timestamp time.Time
}

// Context is the append-only event log for one session.
type Context struct {
	mu             sync.Mutex
	items          []Item
	startTs        time.Time
	lastActivityTs time.Time
	counts         map[Kind]int
}

// New returns an empty ConversationContext, timestamped at creation.
func New() *Context {
	now := time.Now()
	return &Context{
		startTs:        now,
		lastActivityTs: now,
		counts:         make(map[Kind]int),
	}
}

// Append adds item to the log, stamping its Timestamp if unset. Timestamps
// are clamped forward to preserve the monotonic-by-timestamp invariant even
// if the caller's clock read raced with a prior append.
func (c *Context) Append(item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	if len(c.items) > 0 {
		prev := c.items[len(c.items)-1].Timestamp
		if item.Timestamp.Before(prev) {
			item.Timestamp = prev
		}
	}

	c.items = append(c.items, item)
	c.counts[item.Kind]++
	c.lastActivityTs = item.Timestamp
}

// LastN returns the most recent n items, oldest first. n <= 0 returns the
// full transcript.
func (c *Context) LastN(n int) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n >= len(c.items) {
		out := make([]Item, len(c.items))
		copy(out, c.items)
		return out
	}
	start := len(c.items) - n
	out := make([]Item, n)
	copy(out, c.items[start:])
	return out
}

// Full returns the entire transcript, oldest first.
func (c *Context) Full() []Item {
	return c.LastN(0)
}

// Snapshot summarizes the context for inclusion in a tool-dispatch request
// body (the "context_snapshot" field).
type Snapshot struct {
	ItemCount      int            `json:"item_count"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	RecentItems    []Item         `json:"recent_items"`
	CountsByKind   map[string]int `json:"counts_by_kind"`
}

// Snapshot returns a bounded summary: the last 10 items plus aggregate
// counters, small enough to embed in every webhook POST body.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	start, last := c.startTs, c.lastActivityTs
	byKind := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		byKind[string(k)] = v
	}
	total := len(c.items)
	c.mu.Unlock()

	return Snapshot{
		ItemCount:      total,
		StartedAt:      start,
		LastActivityAt: last,
		RecentItems:    c.LastN(10),
		CountsByKind:   byKind,
	}
}
