package relay

import (
	"github.com/voicerelay/relay/internal/session"
	"github.com/voicerelay/relay/internal/tool"
)

func toolSession(s *Session) tool.Session {
	return tool.Session{
		ConnectionID: s.ConnectionID,
		SessionID:    s.ID,
		Context:      s.context,
	}
}

func toolSessionRecord(toolCallID, functionName string, result tool.Result) session.ToolRecord {
	status := "COMPLETED"
	if !result.Success {
		status = "FAILED"
	}
	return session.ToolRecord{
		ToolCallID:   toolCallID,
		FunctionName: functionName,
		Status:       status,
	}
}
