package engine

import "chatview/internal/types"

// syncCursor tracks forward-sync progress for one session. seenKeys is
// advanced only by the poll loop: pagination and optimistic local appends
// never touch it, which is what keeps the "+N new" counter stable.
type syncCursor struct {
	sessionKey string
	maxSeenTS  string
	seenKeys   map[string]struct{}
}

func newSyncCursor(sessionKey string) syncCursor {
	return syncCursor{
		sessionKey: sessionKey,
		seenKeys:   map[string]struct{}{},
	}
}

func (c *syncCursor) snapshotSeen() map[string]struct{} {
	out := make(map[string]struct{}, len(c.seenKeys))
	for key := range c.seenKeys {
		out[key] = struct{}{}
	}
	return out
}

// seed initializes the cursor from the first full fetch of a session.
// Only the initial load may do this; afterwards the poll loop is the sole
// writer of seenKeys.
func (c *syncCursor) seed(items []types.Message) {
	for _, item := range items {
		key := dedupeKey(item)
		if key == "" {
			continue
		}
		c.seenKeys[key] = struct{}{}
		if item.TS > c.maxSeenTS {
			c.maxSeenTS = item.TS
		}
	}
}

// mergeDelta folds a poll batch into the window. Batch items arrive in
// ascending timestamp order; each is appended unless its key is already
// present (delta queries are overlap-tolerant, so the boundary item may
// repeat). The cursor timestamp advances monotonically even when every
// item is a duplicate, so an echoed boundary cannot stall the cursor.
// Returns the count of agent messages whose keys were absent from the
// pre-merge seen snapshot.
func mergeDelta(w *window, c *syncCursor, batch []types.Message, seenBefore map[string]struct{}) int {
	if len(batch) == 0 {
		return 0
	}
	existing := w.keySet()
	appended := 0
	for _, item := range batch {
		key := dedupeKey(item)
		if key == "" {
			continue
		}
		if item.TS > c.maxSeenTS {
			c.maxSeenTS = item.TS
		}
		if _, ok := existing[key]; !ok {
			if idx := localTwinIndex(w.items, item); idx >= 0 {
				// The persisted copy of an optimistic local row; adopt
				// it in place rather than showing the message twice.
				w.items[idx] = item
			} else {
				w.items = append(w.items, item)
			}
			existing[key] = struct{}{}
		}
		if _, ok := c.seenKeys[key]; ok {
			continue
		}
		c.seenKeys[key] = struct{}{}
		if _, ok := seenBefore[key]; ok {
			continue
		}
		if item.Role == types.MessageRoleAgent {
			appended++
		}
	}
	w.trimFront(maxWindowItems)
	return appended
}

// localTwinIndex finds the optimistic local row an id-bearing item
// supersedes: a row without an id carrying the same role and text. Rows
// with ids are never twins, so two genuinely distinct messages cannot
// collapse.
func localTwinIndex(items []types.Message, item types.Message) int {
	if item.ID == "" {
		return -1
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ID == "" && items[i].Role == item.Role && items[i].Text == item.Text {
			return i
		}
	}
	return -1
}
