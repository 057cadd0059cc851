package types

import "time"

type Session struct {
	Key          string     `json:"key"`
	Label        string     `json:"label,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// DisplayName returns the label when one was given at spawn time, else
// the raw session key.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.Label != "" {
		return s.Label
	}
	return s.Key
}
