package lamp

import (
	"context"
)

// Store is the boundary to the authoritative lamp graph. It is implemented
// by the local backends in pkg/store and by the HTTP client in pkg/client.
type Store interface {
	// CreateLamp is a conditional insert: it fails with ErrDuplicateOrigin
	// when a lamp with the same origin already exists.
	CreateLamp(ctx context.Context, in NewLamp) (Lamp, error)

	// CreateEdge links childID to parentID. A failure here never undoes the
	// child lamp.
	CreateEdge(ctx context.Context, parentID, childID string) (Edge, error)

	// ListLamps returns every lamp ordered by creation time.
	ListLamps(ctx context.Context) ([]Lamp, error)

	// ListEdges returns every edge.
	ListEdges(ctx context.Context) ([]Edge, error)

	// HasOrigin reports whether origin already owns a lamp.
	HasOrigin(ctx context.Context, origin string) (bool, error)

	// LookupLamp returns the lamp with id only if token matches its share
	// token exactly. Otherwise it returns ErrNotFound.
	LookupLamp(ctx context.Context, id, token string) (Lamp, error)

	// CountLamps returns the number of lamps.
	CountLamps(ctx context.Context) (int, error)

	// Subscribe registers onChange for any lamp or edge mutation. The
	// callback carries no payload; callers re-fetch to learn what changed.
	Subscribe(onChange func()) (Subscription, error)
}

// Subscription is a registered change listener. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() { f() }
