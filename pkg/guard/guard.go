// Package guard decides whether an origin may contribute a lamp.
//
// The Guard is advisory: it keeps honest clients from wasting a round trip
// and gives a clear reason. The store's conditional insert remains the only
// authority on one-lamp-per-origin.
package guard

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// DenyReason explains a denied Verdict.
type DenyReason string

const (
	ReasonNone               DenyReason = ""
	ReasonAlreadyContributed DenyReason = "already_contributed"
	ReasonOriginCheckFailed  DenyReason = "origin_check_failed"
	ReasonMissingOrigin      DenyReason = "missing_origin"
)

// Verdict is the outcome of CanContribute.
type Verdict struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

func allowed() Verdict                { return Verdict{Allowed: true} }
func denied(reason DenyReason) Verdict { return Verdict{Allowed: false, Reason: reason} }

// OriginChecker is the slice of lamp.Store the guard needs.
type OriginChecker interface {
	HasOrigin(ctx context.Context, origin string) (bool, error)
}

// Guard holds no mutable state and is safe for concurrent use.
type Guard struct {
	store  OriginChecker
	logger *zap.Logger
}

func New(store OriginChecker, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, logger: logger}
}

// CanContribute fails closed: a missing origin or an unreachable store
// denies the contribution.
func (g *Guard) CanContribute(ctx context.Context, origin, deviceID string) Verdict {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return denied(ReasonMissingOrigin)
	}

	exists, err := g.store.HasOrigin(ctx, origin)
	if err != nil {
		g.logger.Error("origin check failed",
			zap.String("origin", origin),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return denied(ReasonOriginCheckFailed)
	}
	if exists {
		return denied(ReasonAlreadyContributed)
	}
	return allowed()
}
