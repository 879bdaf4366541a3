// Package nudge implements the Agent Nudger: it converts a gate status
// into a single upstream "response.create" event carrying an instructions
// override, so the model verbalises the state change to the user without
// the relay having to synthesize speech itself.
package nudge

import (
	"fmt"
	"log/slog"
)

// templates maps a gate status to the instruction the model is asked to
// follow when it next speaks.
var templates = map[string]string{
	"PREPARING":     "Tell the user you're preparing to execute the action, briefly.",
	"READY_TO_SEND": "Ask the user to confirm. Reference the action.",
	"COMPLETED":     "Announce completion and summarise the result.",
	"CANCELLED":     "Acknowledge the cancellation politely.",
	"FAILED":        "Apologise and invite retry.",
}

// Sender abstracts the upstream socket write so this package never imports
// internal/relay (which owns the socket's lifecycle and write-lock).
type Sender interface {
	WriteJSON(v any) error
}

// Nudge sends the instructions-override event for status on upstream. A
// nil upstream, or a write failure, is logged and swallowed: nudges are
// best-effort and must never fail the gate response they accompany.
func Nudge(logger *slog.Logger, upstream Sender, status, detail string) {
	instruction, ok := templates[status]
	if !ok {
		return
	}
	if upstream == nil {
		if logger != nil {
			logger.Warn("nudge skipped: upstream socket not open", "status", status)
		}
		return
	}

	event := map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": instructionWithDetail(instruction, detail),
		},
	}
	if err := upstream.WriteJSON(event); err != nil && logger != nil {
		logger.Warn("nudge failed to send", "status", status, "err", err)
	}
}

func instructionWithDetail(instruction, detail string) string {
	if detail == "" {
		return instruction
	}
	return fmt.Sprintf("%s Context: %s", instruction, detail)
}
