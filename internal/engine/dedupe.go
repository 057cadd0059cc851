package engine

import (
	"hash/fnv"
	"strconv"

	"chatview/internal/types"
)

// dedupeKey returns a stable identity for a message: the gateway id when
// one was assigned, else an FNV-1a hash of role|ts|text. The fallback
// cannot distinguish two distinct messages that share all three fields,
// which is acceptable: such messages are indistinguishable to the view.
func dedupeKey(msg types.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	if msg.TS == "" && msg.Text == "" {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(msg.Role))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(msg.TS))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(msg.Text))
	return "h_" + strconv.FormatUint(uint64(h.Sum32()), 16)
}
