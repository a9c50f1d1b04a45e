package api

import (
	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// CreateLampRequest matches the POST /v1/lamps body schema
type CreateLampRequest struct {
	Coordinates lamp.Coordinates `json:"coordinates"`
	Message     string           `json:"message"`
	Origin      string           `json:"origin,omitempty"`    // ignored in request origin mode
	DeviceID    string           `json:"device_id,omitempty"` // device half of the fingerprint
}

// CreateEdgeRequest matches the POST /v1/edges body schema
type CreateEdgeRequest struct {
	ParentID string `json:"parent_id" validate:"required,max=128"`
	ChildID  string `json:"child_id" validate:"required,max=128"`
}

// ResolveInviteRequest matches the POST /v1/invites/resolve body schema
type ResolveInviteRequest struct {
	LampID string `json:"lamp_id" validate:"required,max=128"`
	Token  string `json:"token" validate:"required,max=256"`
}

// OriginResponse matches GET /v1/origins/{origin}
type OriginResponse struct {
	Origin      string `json:"origin,omitempty"`
	Contributed bool   `json:"contributed"`
}

// CountResponse matches GET /v1/lamps/count
type CountResponse struct {
	Count int `json:"count"`
}

// HealthResponse matches GET /v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every JSON error
type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChangeMessage is one frame on the GET /v1/changes stream
type ChangeMessage struct {
	Type string `json:"type"` // hello, changed
}
