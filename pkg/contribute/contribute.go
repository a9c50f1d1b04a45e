// Package contribute runs one lamp contribution end to end: local hint,
// validation, origin guard, invite resolution, lamp insert, edge insert.
package contribute

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/guard"
	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/localstate"
)

var (
	// ErrAlreadyContributed covers the local hint, a guard denial and the
	// store's duplicate-origin rejection.
	ErrAlreadyContributed = errors.New("already contributed from this origin")
	// ErrOriginUnverified means the origin could not be checked.
	ErrOriginUnverified = errors.New("origin could not be verified")
)

// Request is one contribution attempt.
type Request struct {
	Coordinates lamp.Coordinates
	Message     string
	Origin      string
	DeviceID    string
	Invite      *invite.Ref
}

// Result describes what was written. Edge is nil when there was no valid
// invite or the edge write failed; EdgeErr carries the latter.
type Result struct {
	Lamp      lamp.Lamp
	Parent    *lamp.ParentRef
	Edge      *lamp.Edge
	EdgeErr   error
	ShareLink string
}

// Flow is safe for concurrent use; it holds no per-contribution state.
type Flow struct {
	store     lamp.Store
	guard     *guard.Guard
	resolver  *invite.Resolver
	record    *localstate.Record
	shareBase string
	logger    *zap.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithRecord enables the local "already contributed" hint.
func WithRecord(r *localstate.Record) Option {
	return func(f *Flow) { f.record = r }
}

// WithShareBase sets the base URL used to build share links.
func WithShareBase(base string) Option {
	return func(f *Flow) { f.shareBase = base }
}

// WithLogger sets the flow logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

func New(store lamp.Store, opts ...Option) *Flow {
	f := &Flow{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.guard = guard.New(store, f.logger)
	f.resolver = invite.NewResolver(store, f.logger)
	return f
}

// Contribute creates a lamp and, given a valid invite, links it to the
// inviting lamp. Any failure before the lamp insert leaves local state
// untouched. An edge failure never undoes the lamp.
func (f *Flow) Contribute(ctx context.Context, req Request) (Result, error) {
	if f.record != nil && f.record.HasCreated() {
		id, token, _ := f.record.Created()
		return Result{
			Lamp:      lamp.Lamp{ID: id, ShareToken: token},
			ShareLink: f.link(id, token),
		}, ErrAlreadyContributed
	}

	in := lamp.NewLamp{
		Coordinates: req.Coordinates,
		Message:     req.Message,
		Origin:      req.Origin,
		DeviceID:    req.DeviceID,
	}.Normalize()
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	switch v := f.guard.CanContribute(ctx, in.Origin, in.DeviceID); v.Reason {
	case guard.ReasonNone:
	case guard.ReasonAlreadyContributed:
		return Result{}, ErrAlreadyContributed
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrOriginUnverified, v.Reason)
	}

	var parent *lamp.ParentRef
	if req.Invite != nil {
		if ref, ok := f.resolver.Resolve(ctx, req.Invite.LampID, req.Invite.Token); ok {
			parent = &ref
		} else {
			f.logger.Info("invite invalid, continuing without parent", zap.String("lamp_id", req.Invite.LampID))
		}
	}

	created, err := f.store.CreateLamp(ctx, in)
	if err != nil {
		if errors.Is(err, lamp.ErrDuplicateOrigin) {
			return Result{}, ErrAlreadyContributed
		}
		return Result{}, fmt.Errorf("failed to create lamp: %w", err)
	}

	res := Result{
		Lamp:      created,
		Parent:    parent,
		ShareLink: f.link(created.ID, created.ShareToken),
	}

	if parent != nil {
		e, err := f.store.CreateEdge(ctx, parent.ID, created.ID)
		if err != nil {
			f.logger.Warn("edge write failed, lamp kept",
				zap.String("parent_id", parent.ID),
				zap.String("child_id", created.ID),
				zap.Error(err),
			)
			res.EdgeErr = err
		} else {
			res.Edge = &e
		}
	}

	if f.record != nil {
		if err := f.record.MarkCreated(created.ID, created.ShareToken); err != nil {
			f.logger.Warn("failed to record local contribution", zap.Error(err))
		}
	}

	f.logger.Info("lamp contributed",
		zap.String("lamp_id", created.ID),
		zap.Bool("linked", res.Edge != nil),
	)
	return res, nil
}

func (f *Flow) link(id, token string) string {
	if f.shareBase == "" || id == "" {
		return ""
	}
	return invite.BuildLink(f.shareBase, id, token)
}
