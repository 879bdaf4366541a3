package nudge

import (
	"errors"
	"testing"
)

type fakeSender struct {
	sent []any
	err  error
}

func (f *fakeSender) WriteJSON(v any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func TestNudge_SendsKnownStatusTemplate(t *testing.T) {
	s := &fakeSender{}
	Nudge(nil, s, "READY_TO_SEND", "booking room 101")

	if len(s.sent) != 1 {
		t.Fatalf("expected exactly one event sent, got %d", len(s.sent))
	}
	event := s.sent[0].(map[string]any)
	if event["type"] != "response.create" {
		t.Errorf("expected response.create event, got %v", event["type"])
	}
	resp := event["response"].(map[string]any)
	instr, _ := resp["instructions"].(string)
	if instr == "" {
		t.Errorf("expected non-empty instructions")
	}
}

func TestNudge_UnknownStatusIsNoOp(t *testing.T) {
	s := &fakeSender{}
	Nudge(nil, s, "SOME_UNKNOWN_STATUS", "")
	if len(s.sent) != 0 {
		t.Errorf("expected no event sent for an unrecognised status")
	}
}

func TestNudge_NilUpstreamIsSkippedSilently(t *testing.T) {
	Nudge(nil, nil, "PREPARING", "")
}

func TestNudge_WriteFailureDoesNotPanic(t *testing.T) {
	s := &fakeSender{err: errors.New("socket closed")}
	Nudge(nil, s, "COMPLETED", "")
}
