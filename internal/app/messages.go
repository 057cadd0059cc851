package app

import (
	"time"

	"chatview/internal/types"
)

type engineChangedMsg struct{}

type sessionsMsg struct {
	sessions []*types.Session
	err      error
}

type sessionSwitchedMsg struct {
	key string
	err error
}

type sessionCreatedMsg struct {
	session *types.Session
	err     error
}

type sendResultMsg struct {
	err error
}

type loadOlderMsg struct {
	err error
}

type copyResultMsg struct {
	err error
}

type renderTickMsg struct {
	at time.Time
}

type statusExpiredMsg struct {
	seq int
}
