package scheduler

import "github.com/haasonsaas/codelia-core/pkg/coremodel"

// NormalizeAfterCancellation restores the PAIRING invariant (spec §3) after
// a cancellation interrupts a stream mid-turn. Unlike
// internal/sessionstate's RepairToolCallPairing — which also reorders
// misplaced results and synthesizes an error result for a missing one, to
// tolerate a long-lived transcript that drifted for any reason — this is
// the narrower drop-only routine spec §4.4 names: an assistant tool_call
// with no later matching tool output is dropped, and a tool output whose
// tool_call_id has no preceding assistant call is dropped. Nothing is
// synthesized or reordered. Idempotent (RT2): a second pass finds nothing
// left to drop.
func NormalizeAfterCancellation(messages []coremodel.Message) []coremodel.Message {
	calledIDs := map[string]bool{}
	resultIDs := map[string]bool{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			calledIDs[tc.ID] = true
		}
		if m.Role == coremodel.RoleTool {
			resultIDs[m.ToolCallID] = true
		}
	}

	out := make([]coremodel.Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == coremodel.RoleTool:
			if !calledIDs[m.ToolCallID] {
				continue // orphan tool output, no preceding assistant call
			}
			out = append(out, m)
		case len(m.ToolCalls) > 0:
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if resultIDs[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content == "" && len(m.Parts) == 0 {
				continue // assistant turn was pure tool_calls, all now unpaired
			}
			m.ToolCalls = kept
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}
