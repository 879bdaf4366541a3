// Package gateway holds the three registries that rendezvous a workflow's
// suspended HTTP callback with the browser-side voice conversation: the
// Cancellation Registry, the Callback (slot) Registry, and the Gate-2 Wait
// Registry. Each is independently locked; code in this package never holds
// more than one registry's lock at a time.
package gateway

import (
	"sync"
	"time"
)

const (
	cancelReapAfter = 10 * time.Minute
	reapInterval    = time.Minute

	// DefaultGate2Timeout is used when the Gate-2 waiter is created without
	// an explicit override.
	DefaultGate2Timeout = 30 * time.Second
)

// --- Cancellation Registry ---

// CancelRequest records a pre-emptive or concurrent cancellation for a
// tool call, to be consumed at the next gate inspection.
type CancelRequest struct {
	Reason    string
	SessionID string
	Timestamp time.Time
}

// CancelRegistry is the Cancellation Registry.
type CancelRegistry struct {
	mu       sync.Mutex
	requests map[string]CancelRequest
}

// NewCancelRegistry returns an empty Cancellation Registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{requests: make(map[string]CancelRequest)}
}

// Set records a cancellation for toolCallID.
func (c *CancelRegistry) Set(toolCallID, sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[toolCallID] = CancelRequest{Reason: reason, SessionID: sessionID, Timestamp: time.Now()}
}

// Take returns and removes the cancellation for toolCallID, if any. Consuming
// it here — rather than a separate peek-then-delete — is what makes gate
// inspection exactly-once.
func (c *CancelRegistry) Take(toolCallID string) (CancelRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[toolCallID]
	if ok {
		delete(c.requests, toolCallID)
	}
	return req, ok
}

// Peek reports whether a cancellation is pending for toolCallID, without
// consuming it. Used by read-only inspection (tool-status), which must not
// have the side effect that gate inspection's Take relies on.
func (c *CancelRegistry) Peek(toolCallID string) (CancelRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[toolCallID]
	return req, ok
}

// ClearForSession removes every pending cancellation scoped to sessionID,
// called on session close. Replaces the teacher's substring-matching
// cleanup: each CancelRequest carries its own SessionID field instead of
// being matched by a substring of its tool_call_id.
func (c *CancelRegistry) ClearForSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.requests {
		if req.SessionID == sessionID {
			delete(c.requests, id)
		}
	}
}

// Len returns the number of pending cancellations.
func (c *CancelRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *CancelRegistry) reapStale() {
	cutoff := time.Now().Add(-cancelReapAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.requests {
		if req.Timestamp.Before(cutoff) {
			delete(c.requests, id)
		}
	}
}

// --- Callback (slot) Registry ---

// CallbackSlot routes a gate callback back to the session that initiated it.
type CallbackSlot struct {
	ConnectionID string
	SessionID    string
	FunctionName string
	CreatedAt    time.Time
}

// CallbackRegistry is the Callback Registry.
type CallbackRegistry struct {
	mu    sync.Mutex
	slots map[string]CallbackSlot
}

// NewCallbackRegistry returns an empty Callback Registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{slots: make(map[string]CallbackSlot)}
}

// Register creates a CallbackSlot for toolCallID. Invariant: every tool call
// for which a callback URL was sent has exactly one slot until it
// terminates — callers must not Register the same id twice without an
// intervening Clear.
func (c *CallbackRegistry) Register(toolCallID string, slot CallbackSlot) {
	slot.CreatedAt = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[toolCallID] = slot
}

// Lookup returns the CallbackSlot for toolCallID, if present.
func (c *CallbackRegistry) Lookup(toolCallID string) (CallbackSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[toolCallID]
	return slot, ok
}

// Clear removes the CallbackSlot for toolCallID. Called on Gate 3,
// CANCELLED, FAILED, or session close.
func (c *CallbackRegistry) Clear(toolCallID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, toolCallID)
}

// ClearForSession removes every slot scoped to sessionID, returning the
// cleared ids so the caller can resolve any outstanding Gate2Waiters for
// them.
func (c *CallbackRegistry) ClearForSession(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cleared []string
	for id, slot := range c.slots {
		if slot.SessionID == sessionID {
			delete(c.slots, id)
			cleared = append(cleared, id)
		}
	}
	return cleared
}

// Len returns the number of active callback slots.
func (c *CallbackRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// --- Gate-2 Wait Registry ---

// Resolution is the outcome handed back to a suspended /tool-progress
// handler once its Gate2Waiter resolves.
type Resolution struct {
	Continue bool
	Cancel   bool
	Reason   string
}

// waiter is the internal bookkeeping for one suspended Gate-2 handler.
type waiter struct {
	sessionID string
	resultCh  chan Resolution
	once      sync.Once
	timer     *time.Timer
	createdAt time.Time
}

// resolve delivers res exactly once; subsequent calls are no-ops, satisfying
// the "exactly one resolver wins, losers become no-ops" invariant.
func (w *waiter) resolve(res Resolution) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resultCh <- res
		close(w.resultCh)
	})
}

// WaitRegistry is the Gate-2 Wait Registry.
type WaitRegistry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	timeout time.Duration
}

// NewWaitRegistry returns a Gate-2 Wait Registry using timeout as the
// default auto-cancel deadline (DefaultGate2Timeout if timeout <= 0).
func NewWaitRegistry(timeout time.Duration) *WaitRegistry {
	if timeout <= 0 {
		timeout = DefaultGate2Timeout
	}
	return &WaitRegistry{waiters: make(map[string]*waiter), timeout: timeout}
}

// Create registers a Gate2Waiter for toolCallID and returns a channel that
// receives exactly one Resolution: from Confirm, Cancel, or an internal
// timeout. The waiter is removed from the registry before the channel fires.
func (w *WaitRegistry) Create(toolCallID, sessionID string) <-chan Resolution {
	wt := &waiter{
		sessionID: sessionID,
		resultCh:  make(chan Resolution, 1),
		createdAt: time.Now(),
	}

	w.mu.Lock()
	w.waiters[toolCallID] = wt
	w.mu.Unlock()

	wt.timer = time.AfterFunc(w.timeout, func() {
		w.resolveAndRemove(toolCallID, Resolution{Continue: false, Cancel: true, Reason: "Confirmation timeout"})
	})

	return wt.resultCh
}

// Confirm resolves the waiter for toolCallID with a continue outcome.
// Reports false if no waiter was pending.
func (w *WaitRegistry) Confirm(toolCallID string) bool {
	return w.resolveAndRemove(toolCallID, Resolution{Continue: true, Cancel: false})
}

// Cancel resolves the waiter for toolCallID with a cancel outcome and the
// given reason. Reports false if no waiter was pending.
func (w *WaitRegistry) Cancel(toolCallID, reason string) bool {
	return w.resolveAndRemove(toolCallID, Resolution{Continue: false, Cancel: true, Reason: reason})
}

// Exists reports whether a Gate2Waiter is currently pending for toolCallID.
func (w *WaitRegistry) Exists(toolCallID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.waiters[toolCallID]
	return ok
}

// ResolveSession resolves every waiter whose session matches sessionID with
// a session_closed cancellation, satisfying the close-time cleanup
// guarantee.
func (w *WaitRegistry) ResolveSession(sessionID string) {
	w.mu.Lock()
	var ids []string
	for id, wt := range w.waiters {
		if wt.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.resolveAndRemove(id, Resolution{Continue: false, Cancel: true, Reason: "session_closed"})
	}
}

// resolveAndRemove removes the waiter from the registry (so a concurrent
// resolver sees it gone) before delivering the resolution, per the
// remove-before-write ordering the Gate-2 contract requires.
func (w *WaitRegistry) resolveAndRemove(toolCallID string, res Resolution) bool {
	w.mu.Lock()
	wt, ok := w.waiters[toolCallID]
	if ok {
		delete(w.waiters, toolCallID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	wt.resolve(res)
	return true
}

func (w *WaitRegistry) reapStale() {
	cutoff := time.Now().Add(-2 * w.timeout)
	w.mu.Lock()
	var stale []string
	for id, wt := range w.waiters {
		if wt.createdAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	w.mu.Unlock()
	for _, id := range stale {
		w.resolveAndRemove(id, Resolution{Continue: false, Cancel: true, Reason: "stale_sweep"})
	}
}

// --- shared reaper ---

// Registries bundles all three registries and runs their periodic reapers
// from a single goroutine.
type Registries struct {
	Cancel   *CancelRegistry
	Callback *CallbackRegistry
	Wait     *WaitRegistry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRegistries wires the three registries together and starts their
// background reapers.
func NewRegistries(gate2Timeout time.Duration) *Registries {
	r := &Registries{
		Cancel:   NewCancelRegistry(),
		Callback: NewCallbackRegistry(),
		Wait:     NewWaitRegistry(gate2Timeout),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

func (r *Registries) reapLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Cancel.reapStale()
			r.Wait.reapStale()
		}
	}
}

// CloseSession performs the full session-close cleanup contract: resolve
// outstanding waiters, then clear callback slots and cancel requests scoped
// to sessionID.
func (r *Registries) CloseSession(sessionID string) {
	r.Wait.ResolveSession(sessionID)
	r.Callback.ClearForSession(sessionID)
	r.Cancel.ClearForSession(sessionID)
}

// Close stops the background reaper.
func (r *Registries) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}
