package idempotency

import (
	"testing"
	"time"
)

func TestRegistry_StoreThenLookupHits(t *testing.T) {
	r := New()
	defer r.Close()

	if _, ok := r.Lookup("tc_1", 2); ok {
		t.Fatalf("expected miss before Store")
	}

	r.Store("tc_1", 2, map[string]any{"continue": true})
	v, ok := r.Lookup("tc_1", 2)
	if !ok {
		t.Fatalf("expected hit after Store")
	}
	if v.(map[string]any)["continue"] != true {
		t.Errorf("unexpected cached response: %v", v)
	}
}

func TestRegistry_GatesAreIndependentKeys(t *testing.T) {
	r := New()
	defer r.Close()

	r.Store("tc_1", 1, "gate1-response")
	if _, ok := r.Lookup("tc_1", 2); ok {
		t.Fatalf("expected gate 2 to be a distinct cache key from gate 1")
	}
}

func TestRegistry_ExpiredEntryIsNotReturned(t *testing.T) {
	r := New()
	defer r.Close()

	r.mu.Lock()
	r.records[key{"tc_1", 1}] = record{response: "stale", expires: time.Now().Add(-time.Second)}
	r.mu.Unlock()

	if _, ok := r.Lookup("tc_1", 1); ok {
		t.Fatalf("expected expired entry to be treated as a miss")
	}
}

func TestRegistry_ReapExpiredRemovesStaleEntries(t *testing.T) {
	r := New()
	defer r.Close()

	r.mu.Lock()
	r.records[key{"tc_1", 1}] = record{response: "stale", expires: time.Now().Add(-time.Second)}
	r.mu.Unlock()

	r.reapExpired()

	r.mu.Lock()
	_, present := r.records[key{"tc_1", 1}]
	r.mu.Unlock()
	if present {
		t.Fatalf("expected reapExpired to delete the stale entry")
	}
}
