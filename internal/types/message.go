package types

type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is one entry of a session log. TS is the server's RFC3339
// timestamp; comparing TS values lexically orders messages in time.
// ID is assigned by the gateway and may be absent on older backends.
type Message struct {
	ID         string      `json:"id,omitempty"`
	TS         string      `json:"ts"`
	Role       MessageRole `json:"role"`
	SessionKey string      `json:"session_key,omitempty"`
	Text       string      `json:"text"`
}
