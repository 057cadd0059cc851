package engine

import "chatview/internal/types"

// window is the bounded, ordered slice of a session log held in memory.
// hasOlder tracks whether the gateway reports more history before the
// oldest loaded item; local trimming never changes it.
type window struct {
	items    []types.Message
	hasOlder bool
}

func (w *window) keySet() map[string]struct{} {
	keys := make(map[string]struct{}, len(w.items))
	for _, item := range w.items {
		if key := dedupeKey(item); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys
}

// oldestAnchorID returns the id of the oldest item that has one. Items
// without ids cannot anchor backward pagination.
func (w *window) oldestAnchorID() string {
	for _, item := range w.items {
		if item.ID != "" {
			return item.ID
		}
	}
	return ""
}

func (w *window) trimFront(capacity int) {
	if capacity <= 0 || len(w.items) <= capacity {
		return
	}
	drop := len(w.items) - capacity
	w.items = append([]types.Message(nil), w.items[drop:]...)
}

func (w *window) snapshot() []types.Message {
	if len(w.items) == 0 {
		return nil
	}
	return append([]types.Message(nil), w.items...)
}
