package gateway

import "chatview/internal/types"

// DeltaQuery bounds a message read. AfterTS and BeforeID are mutually
// exclusive cursors: forward sync uses AfterTS, backward paging BeforeID.
type DeltaQuery struct {
	AfterTS  string
	BeforeID string
	Limit    int
}

type DeltaResult struct {
	Items    []types.Message
	HasOlder bool
}

type deltaResponse struct {
	Items    []types.Message `json:"items"`
	HasOlder bool            `json:"has_older"`
}

type refreshRequest struct {
	Limit int `json:"limit,omitempty"`
}

type appendRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type createSessionRequest struct {
	Label string `json:"label,omitempty"`
}

type sessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}
