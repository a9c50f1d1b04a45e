package client

import (
	"errors"
)

// ErrRateLimited is returned when lampd throttles this client. It also
// matches lamp.ErrStoreUnavailable.
var ErrRateLimited = errors.New("rate limited")

// Status represents the health check response.
type Status struct {
	// Status is the health status string (e.g. "ok").
	Status string `json:"status"`
	// Version is the daemon version.
	Version string `json:"version"`
}

// errorBody is the daemon's JSON error shape.
type errorBody struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type createEdgeRequest struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

type resolveRequest struct {
	LampID string `json:"lamp_id"`
	Token  string `json:"token"`
}

type originResponse struct {
	Contributed bool `json:"contributed"`
}

type countResponse struct {
	Count int `json:"count"`
}

// changeMessage is one frame on the change stream.
type changeMessage struct {
	Type string `json:"type"`
}
