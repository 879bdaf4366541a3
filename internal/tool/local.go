package tool

// localTools resolves synchronously from in-process state (cache + sink)
// and bypasses the webhook path entirely, per SPEC_FULL.md §4.3.
var localTools = map[string]func(*Executor, map[string]any, Session) Result{
	"confirm_pending_action":     (*Executor).confirmPendingAction,
	"get_session_context":        (*Executor).getSessionContext,
	"query_conversation_history": (*Executor).queryConversationHistory,
	"query_user_analytics":       (*Executor).queryUserAnalytics,
}

// confirmPendingAction is the in-band voice path into the Gate-2 Wait
// Registry: {tool_call_id, confirmed, reason?} -> resolve the waiter.
func (e *Executor) confirmPendingAction(args map[string]any, sess Session) Result {
	toolCallID, _ := args["tool_call_id"].(string)
	confirmed, _ := args["confirmed"].(bool)
	reason, _ := args["reason"].(string)

	if e.opts.Wait == nil || !e.opts.Wait.Exists(toolCallID) {
		return Result{
			Success: true,
			Payload: map[string]any{"voice_response": "There's no pending action waiting on your confirmation right now."},
		}
	}

	var resolved bool
	if confirmed {
		resolved = e.opts.Wait.Confirm(toolCallID)
	} else {
		resolved = e.opts.Wait.Cancel(toolCallID, reason)
	}

	voice := "Got it, continuing."
	if !confirmed {
		voice = "Got it, cancelling that action."
	}
	return Result{
		Success: resolved,
		Payload: map[string]any{"voice_response": voice, "tool_call_id": toolCallID},
	}
}

// getSessionContext returns the requested context key for the session, or
// the whole context map when no key is given.
func (e *Executor) getSessionContext(args map[string]any, sess Session) Result {
	if e.opts.Cache == nil {
		return Result{Success: false, Error: "SESSION_CACHE_UNAVAILABLE"}
	}
	key, _ := args["key"].(string)
	if key == "" {
		return Result{Success: false, Error: "MISSING_KEY", Message: "get_session_context requires a key"}
	}
	val, ok := e.opts.Cache.GetContext(sess.SessionID, key)
	if !ok {
		return Result{Success: true, Payload: map[string]any{"found": false}}
	}
	return Result{Success: true, Payload: map[string]any{"found": true, "value": val}}
}

// queryConversationHistory returns the last N conversation items (or the
// full transcript when n is omitted/zero), and stashes the result as the
// session's last-query-result slot.
func (e *Executor) queryConversationHistory(args map[string]any, sess Session) Result {
	if sess.Context == nil {
		return Result{Success: false, Error: "NO_CONVERSATION_CONTEXT"}
	}
	n := 0
	if raw, ok := args["limit"].(float64); ok {
		n = int(raw)
	}
	items := sess.Context.LastN(n)

	if e.opts.Cache != nil {
		e.opts.Cache.SetLastQueryResult(sess.SessionID, items)
	}
	return Result{Success: true, Payload: map[string]any{"items": items}}
}

// queryUserAnalytics returns the session's recent-tool ring as a lightweight
// analytics surface for the voice agent to reference.
func (e *Executor) queryUserAnalytics(args map[string]any, sess Session) Result {
	if e.opts.Cache == nil {
		return Result{Success: false, Error: "SESSION_CACHE_UNAVAILABLE"}
	}
	recent := e.opts.Cache.RecentTools(sess.SessionID)

	result := map[string]any{"recent_tools": recent, "count": len(recent)}
	e.opts.Cache.SetLastQueryResult(sess.SessionID, result)
	return Result{Success: true, Payload: result}
}
