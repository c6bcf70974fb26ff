package envelope

import "context"

// maxTraceDepth bounds the causal-trace walk so a corrupt or cyclic
// causation chain (which should never happen, but the store is an external
// boundary) cannot hang a caller. Spec §9 calls for a flat table keyed by
// message_id with a bounded, visited-set-guarded walk instead of in-memory
// cyclic pointers; this is that walk.
const maxTraceDepth = 1000

// CausationLookup is implemented by any store that can answer "what caused
// this message" by message id — the outbox, inbox, and event store all
// qualify.
type CausationLookup interface {
	CausationOf(ctx context.Context, id MessageID) (causation CausationID, ok bool, err error)
}

// Trace walks the causation chain starting at start, returning the chain
// from start back to its root ancestor (inclusive of start). The walk
// terminates when a message has no recorded causation, when a message id
// reappears (guards against a corrupted cyclic chain), or when
// maxTraceDepth is reached.
func Trace(ctx context.Context, lookup CausationLookup, start MessageID) ([]MessageID, error) {
	visited := make(map[MessageID]struct{}, 8)
	chain := []MessageID{start}
	visited[start] = struct{}{}

	current := start
	for i := 0; i < maxTraceDepth; i++ {
		causation, ok, err := lookup.CausationOf(ctx, current)
		if err != nil {
			return chain, err
		}
		if !ok || causation.IsZero() {
			break
		}
		parent := FromExternalID[messageTag](causation.UUID())
		if _, seen := visited[parent]; seen {
			break
		}
		visited[parent] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}
