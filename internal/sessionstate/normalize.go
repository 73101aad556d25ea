package sessionstate

import "github.com/haasonsaas/codelia-core/pkg/coremodel"

// RepairReport summarizes what RepairToolCallPairing changed.
type RepairReport struct {
	Moved                 bool
	DroppedDuplicateCount int
	DroppedOrphanCount    int
	SyntheticCount        int
}

// RepairToolCallPairing restores the invariant that every assistant tool
// call is immediately followed by its matching tool-result message, the
// ordering most providers' APIs require. It moves out-of-place tool results
// next to their assistant turn, synthesizes an error result for any tool
// call with none, and drops duplicate or orphan tool results.
//
// This tolerates the same loosely-shaped historical records a long-lived
// session accumulates rather than rejecting them outright.
func RepairToolCallPairing(messages []coremodel.Message) ([]coremodel.Message, RepairReport) {
	var report RepairReport

	// Index every tool-result message by the call it answers.
	resultsByCallID := make(map[string]coremodel.Message)
	var toolResultOrder []string
	for _, msg := range messages {
		if msg.Role != coremodel.RoleTool || msg.ToolCallID == "" {
			continue
		}
		if _, seen := resultsByCallID[msg.ToolCallID]; seen {
			report.DroppedDuplicateCount++
			continue
		}
		resultsByCallID[msg.ToolCallID] = msg
		toolResultOrder = append(toolResultOrder, msg.ToolCallID)
	}

	out := make([]coremodel.Message, 0, len(messages))
	consumed := make(map[string]bool, len(resultsByCallID))

	for _, msg := range messages {
		if msg.Role == coremodel.RoleTool {
			// Tool-result messages are re-emitted only directly after their
			// assistant turn, below; skip them here.
			continue
		}

		out = append(out, msg)

		if msg.Role != coremodel.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				continue
			}
			if result, ok := resultsByCallID[call.ID]; ok {
				if consumed[call.ID] {
					continue
				}
				consumed[call.ID] = true
				out = append(out, result)
				if !sameMessagePosition(messages, result, call.ID) {
					report.Moved = true
				}
				continue
			}
			out = append(out, syntheticErrorResult(call))
			report.SyntheticCount++
		}
	}

	for _, callID := range toolResultOrder {
		if !consumed[callID] {
			report.DroppedOrphanCount++
		}
	}

	return out, report
}

func syntheticErrorResult(call coremodel.ToolCall) coremodel.Message {
	return coremodel.Message{
		Role:       coremodel.RoleTool,
		Content:    "tool result missing: repaired with a synthetic error",
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		IsError:    true,
	}
}

// sameMessagePosition is a light heuristic: a result already counts as
// "not moved" only if it was the very next message after an assistant
// tool-call turn in the original order. Used only to decide the Moved flag.
func sameMessagePosition(original []coremodel.Message, result coremodel.Message, callID string) bool {
	for i, msg := range original {
		if msg.Role == coremodel.RoleTool && msg.ToolCallID == callID {
			return i > 0 && original[i-1].Role == coremodel.RoleAssistant && hasToolCall(original[i-1], callID)
		}
	}
	return false
}

func hasToolCall(msg coremodel.Message, callID string) bool {
	for _, c := range msg.ToolCalls {
		if c.ID == callID {
			return true
		}
	}
	return false
}
