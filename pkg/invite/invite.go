// Package invite turns a shared link into a validated parent reference.
package invite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// ErrNoInvite is returned by ParseLink when the link carries no lamp reference.
var ErrNoInvite = errors.New("link has no invite")

// ShareText is the message that accompanies a share link.
const ShareText = "I just lit a diya on Chain of Light! 🪔 Light yours and connect with me:"

// Ref is the unvalidated pair carried by an invite link.
type Ref struct {
	LampID string
	Token  string
}

// Lookup is the slice of lamp.Store the resolver needs.
type Lookup interface {
	LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error)
}

// Resolver validates invite references. It never writes.
type Resolver struct {
	store  Lookup
	logger *zap.Logger
}

func NewResolver(store Lookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the inviting lamp if lampID exists and token matches its
// share token exactly. Every failure reports false; an invalid invite is not
// an error for the caller.
func (r *Resolver) Resolve(ctx context.Context, lampID, token string) (lamp.ParentRef, bool) {
	if lampID == "" || token == "" {
		return lamp.ParentRef{}, false
	}

	l, err := r.store.LookupLamp(ctx, lampID, token)
	if err != nil {
		if !errors.Is(err, lamp.ErrNotFound) {
			r.logger.Warn("invite lookup failed", zap.String("lamp_id", lampID), zap.Error(err))
		}
		return lamp.ParentRef{}, false
	}
	if l.ID != lampID {
		return lamp.ParentRef{}, false
	}
	return lamp.ParentRef{ID: l.ID, Coordinates: l.Coordinates}, true
}

// ParseLink extracts the lamp and token query parameters from a share link.
func ParseLink(raw string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Ref{}, fmt.Errorf("invalid invite link: %w", err)
	}
	q := u.Query()
	ref := Ref{LampID: q.Get("lamp"), Token: q.Get("token")}
	if ref.LampID == "" || ref.Token == "" {
		return Ref{}, ErrNoInvite
	}
	return ref, nil
}

// BuildLink returns base with the lamp and token parameters set.
func BuildLink(base, lampID, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("lamp", lampID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// ShareURLs returns ready-to-open share links for messaging apps.
func ShareURLs(link string) map[string]string {
	return map[string]string{
		"whatsapp": "https://wa.me/?text=" + url.QueryEscape(ShareText+" "+link),
		"telegram": "https://t.me/share/url?url=" + url.QueryEscape(link) + "&text=" + url.QueryEscape(ShareText),
	}
}
