package lamp

import (
	"time"
)

// MaxMessageLength is the longest message a lamp may carry, counted in code points.
const MaxMessageLength = 280

// Coordinates is a WGS84 position.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Lamp is a single immutable contribution to the shared graph.
//
// Origin and DeviceID form the origin fingerprint. They never leave the
// store through list or lookup operations, and ShareToken is only handed
// back to the creator.
type Lamp struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
	Message     string      `json:"message"`
	Origin      string      `json:"-"`
	DeviceID    string      `json:"-"`
	ShareToken  string      `json:"share_token,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Public returns a copy safe to show other clients.
func (l Lamp) Public() Lamp {
	l.Origin = ""
	l.DeviceID = ""
	l.ShareToken = ""
	return l
}

// Edge records that the author of ChildID was invited by the author of ParentID.
type Edge struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	ChildID   string    `json:"child_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ParentRef identifies a validated inviting lamp.
type ParentRef struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
}

// NewLamp is the input to Store.CreateLamp.
type NewLamp struct {
	Coordinates Coordinates `json:"coordinates"`
	Message     string      `json:"message" validate:"required,max=280"`
	Origin      string      `json:"origin" validate:"required,max=256"`
	DeviceID    string      `json:"device_id" validate:"max=256"`
}

// EdgePolicy controls how strictly CreateEdge guards graph shape.
type EdgePolicy string

const (
	// EdgePolicyLenient accepts duplicate pairs and self-loops.
	EdgePolicyLenient EdgePolicy = "lenient"
	// EdgePolicyStrict rejects self-loops and duplicate (parent, child) pairs.
	EdgePolicyStrict EdgePolicy = "strict"
)

// ParseEdgePolicy maps a config string to a policy. Empty means lenient.
func ParseEdgePolicy(s string) (EdgePolicy, error) {
	switch EdgePolicy(s) {
	case "", EdgePolicyLenient:
		return EdgePolicyLenient, nil
	case EdgePolicyStrict:
		return EdgePolicyStrict, nil
	default:
		return "", &ValidationError{Field: "edge_policy", Reason: "must be lenient or strict"}
	}
}
