package relay

import (
	"context"
	"encoding/json"

	"github.com/voicerelay/relay/internal/conversation"
	"github.com/voicerelay/relay/internal/pkg/metrics"
)

// onFunctionCallDone parses a response.function_call_arguments.done event,
// records the tool_call in the conversation context, and dispatches it to
// the Tool Executor. The dispatch result is emitted upstream as
// function_call_output followed by response.create, so the model
// continues the turn.
func (s *Session) onFunctionCallDone(raw []byte) {
	var evt struct {
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Warn("malformed function_call_arguments.done event", "session_id", s.ID, "err", err)
		}
		return
	}

	var args map[string]any
	if evt.Arguments != "" {
		if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
			args = map[string]any{"_raw": evt.Arguments}
		}
	}

	s.context.Append(conversation.Item{
		Kind:     conversation.KindToolCall,
		ToolName: evt.Name,
		ToolCall: args,
	})

	if s.deps.Cache != nil && evt.CallID != "" {
		s.deps.Cache.MarkToolPending(s.ID, evt.CallID)
	}

	// Dispatch off the upstream read pump: a webhook can hold the 30s
	// dispatch deadline, and nothing else arriving on this socket should
	// wait behind it.
	go s.dispatchFunctionCall(evt.CallID, evt.Name, args)
}

func (s *Session) dispatchFunctionCall(callID, name string, args map[string]any) {
	toolCallID, result := s.deps.Tool.Execute(context.Background(), name, args, toolSession(s))

	s.context.Append(conversation.Item{
		Kind:     conversation.KindToolResult,
		ToolName: name,
		ToolCall: map[string]any{"result": result},
	})

	if s.deps.Cache != nil {
		s.deps.Cache.ClearToolPending(s.ID, toolSessionRecord(toolCallID, name, result))
	}

	metrics.ToolDispatchTotal.WithLabelValues(name, dispatchOutcome(result.Success)).Inc()

	s.emitFunctionCallOutput(callID, result)
}

func dispatchOutcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// emitFunctionCallOutput sends the tool's result back to the model as a
// conversation item, then a response.create to resume generation.
func (s *Session) emitFunctionCallOutput(callID string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"success":false,"error":"internal_marshal_error"}`)
	}

	_ = s.WriteJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(payload),
		},
	})
	_ = s.WriteJSON(map[string]any{"type": "response.create"})
}

func (s *Session) onUserTranscript(raw []byte) {
	var evt struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	s.context.Append(conversation.Item{Kind: conversation.KindUserMessage, Text: evt.Transcript})
}

func (s *Session) onAssistantTranscript(raw []byte) {
	var evt struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	s.context.Append(conversation.Item{Kind: conversation.KindAssistantMessage, Text: evt.Transcript})
}
