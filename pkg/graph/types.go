package graph

import (
	"slices"
	"time"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// State says whether the cache reflects the last known store contents.
type State string

const (
	StateStale State = "stale"
	StateFresh State = "fresh"
)

// Snapshot is an immutable, fully fetched view of the lamp graph.
// Consumers must not assume tree shape: a lamp may have several parents
// and cycles are tolerated.
type Snapshot struct {
	Lamps     []lamp.Lamp `json:"lamps"`
	Edges     []lamp.Edge `json:"edges"`
	Version   uint64      `json:"version"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Line is an edge resolved to the positions of its endpoints.
type Line struct {
	ParentID string           `json:"parent_id"`
	ChildID  string           `json:"child_id"`
	From     lamp.Coordinates `json:"from"`
	To       lamp.Coordinates `json:"to"`
}

// Lamp returns the lamp with id, if present.
func (s *Snapshot) Lamp(id string) (lamp.Lamp, bool) {
	if s == nil {
		return lamp.Lamp{}, false
	}
	for _, l := range s.Lamps {
		if l.ID == id {
			return l, true
		}
	}
	return lamp.Lamp{}, false
}

// Lines resolves every edge to coordinates. Edges whose endpoints are not in
// the snapshot are skipped; the edge list may be newer than the lamp list.
func (s *Snapshot) Lines() []Line {
	if s == nil {
		return nil
	}
	pos := make(map[string]lamp.Coordinates, len(s.Lamps))
	for _, l := range s.Lamps {
		pos[l.ID] = l.Coordinates
	}

	lines := make([]Line, 0, len(s.Edges))
	for _, e := range s.Edges {
		from, ok := pos[e.ParentID]
		if !ok {
			continue
		}
		to, ok := pos[e.ChildID]
		if !ok {
			continue
		}
		lines = append(lines, Line{ParentID: e.ParentID, ChildID: e.ChildID, From: from, To: to})
	}
	return lines
}

// Children returns the ids invited by id, in edge order.
func (s *Snapshot) Children(id string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, e := range s.Edges {
		if e.ParentID == id {
			out = append(out, e.ChildID)
		}
	}
	return out
}

// Parents returns the ids that invited id, in edge order.
func (s *Snapshot) Parents(id string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, e := range s.Edges {
		if e.ChildID == id {
			out = append(out, e.ParentID)
		}
	}
	return out
}

// SameContent reports whether two snapshots hold the same lamps and edges,
// ignoring Version and FetchedAt.
func (s *Snapshot) SameContent(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return slices.EqualFunc(s.Lamps, o.Lamps, func(a, b lamp.Lamp) bool {
		return a.ID == b.ID && a.Coordinates == b.Coordinates && a.Message == b.Message && a.CreatedAt.Equal(b.CreatedAt)
	}) && slices.EqualFunc(s.Edges, o.Edges, func(a, b lamp.Edge) bool {
		return a.ID == b.ID && a.ParentID == b.ParentID && a.ChildID == b.ChildID && a.CreatedAt.Equal(b.CreatedAt)
	})
}
