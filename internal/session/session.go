// Package session implements the Session Cache: a per-session in-memory
// store keyed by session id, holding conversation context references,
// pending-tool bookkeeping, a bounded recent-tool ring, and the last query
// result slot used by the query_* local tools. Durable keys are mirrored to
// the Structured Sink on write.
package session

import (
	"sync"
	"time"

	"github.com/voicerelay/relay/internal/sink"
)

const recentToolRingSize = 20

// ToolRecord is one entry in a session's recent-tool ring.
type ToolRecord struct {
	ToolCallID   string
	FunctionName string
	Status       string
	Timestamp    time.Time
}

// entry is the per-session record held by the cache.
type entry struct {
	mu sync.Mutex

	context map[string]any

	pendingTools map[string]struct{}

	recentTools []ToolRecord // ring buffer, oldest first

	lastQueryResult any

	lastTouched time.Time
}

func newEntry() *entry {
	return &entry{
		context:      make(map[string]any),
		pendingTools: make(map[string]struct{}),
		lastTouched:  time.Now(),
	}
}

// Cache is the Session Cache. One Cache instance serves the whole server; it
// is safe for concurrent use by many sessions.
type Cache struct {
	sink sink.Sink
	ttl  time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a Cache that expires idle sessions after ttl (0 disables
// expiry) and mirrors durable writes to s.
func New(s sink.Sink, ttl time.Duration) *Cache {
	c := &Cache{
		sink:     s,
		ttl:      ttl,
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

func (c *Cache) get(sessionID string) *entry {
	c.mu.RLock()
	e, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[sessionID]; ok {
		return e
	}
	e = newEntry()
	c.sessions[sessionID] = e
	return e
}

// GetContext returns the value stored under key for sessionID, and whether
// it was present.
func (c *Cache) GetContext(sessionID, key string) (any, bool) {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouched = time.Now()
	v, ok := e.context[key]
	return v, ok
}

// SetContext stores value under key for sessionID. durable keys are also
// written through to the sink as session_analytics records, so they survive
// a process restart in whatever external system backs the sink.
func (c *Cache) SetContext(sessionID, key string, value any, durable bool) {
	e := c.get(sessionID)
	e.mu.Lock()
	e.context[key] = value
	e.lastTouched = time.Now()
	e.mu.Unlock()

	if durable && c.sink != nil {
		c.sink.Record(sink.KindSessionAnalytics, map[string]any{
			"session_id": sessionID,
			"key":        key,
			"value":      value,
		})
	}
}

// MarkToolPending records that toolCallID is outstanding for sessionID.
func (c *Cache) MarkToolPending(sessionID, toolCallID string) {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingTools[toolCallID] = struct{}{}
	e.lastTouched = time.Now()
}

// ClearToolPending removes toolCallID from the pending set, and appends a
// terminal record to the recent-tool ring.
func (c *Cache) ClearToolPending(sessionID string, rec ToolRecord) {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pendingTools, rec.ToolCallID)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	e.recentTools = append(e.recentTools, rec)
	if len(e.recentTools) > recentToolRingSize {
		e.recentTools = e.recentTools[len(e.recentTools)-recentToolRingSize:]
	}
	e.lastTouched = time.Now()
}

// IsToolPending reports whether toolCallID is currently outstanding.
func (c *Cache) IsToolPending(sessionID, toolCallID string) bool {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pendingTools[toolCallID]
	return ok
}

// RecentTools returns a copy of the recent-tool ring, oldest first.
func (c *Cache) RecentTools(sessionID string) []ToolRecord {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolRecord, len(e.recentTools))
	copy(out, e.recentTools)
	return out
}

// SetLastQueryResult stashes the result of the most recent query_* local
// tool invocation, so a follow-up voice turn can reference "that".
func (c *Cache) SetLastQueryResult(sessionID string, result any) {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastQueryResult = result
	e.lastTouched = time.Now()
}

// LastQueryResult returns the most recently stashed query result, if any.
func (c *Cache) LastQueryResult(sessionID string) (any, bool) {
	e := c.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastQueryResult, e.lastQueryResult != nil
}

// Destroy drops all cached state for sessionID. Called on session close.
func (c *Cache) Destroy(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Cache) reapLoop() {
	defer close(c.doneCh)
	if c.ttl <= 0 {
		<-c.stopCh
		return
	}
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reapIdle()
		}
	}
}

func (c *Cache) reapIdle() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.sessions {
		e.mu.Lock()
		idle := e.lastTouched.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(c.sessions, id)
		}
	}
}

// Close stops the background reaper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}
