package store

import (
	"time"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Option configures a Store.
type Option func(*Store)

// WithEdgePolicy sets how strictly CreateEdge guards graph shape.
// Strict mode also adds a UNIQUE index on (parent_id, child_id).
func WithEdgePolicy(p lamp.EdgePolicy) Option {
	return func(s *Store) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}
