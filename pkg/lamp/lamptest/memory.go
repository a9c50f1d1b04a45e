// Package lamptest provides an in-memory lamp.Store for tests.
package lamptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// MemoryStore is a mutex-guarded lamp.Store. The Err* fields inject
// failures; the call counters let tests assert what was invoked.
type MemoryStore struct {
	mu       sync.Mutex
	lamps    []lamp.Lamp
	byOrigin map[string]string
	edges    []lamp.Edge
	notifier *lamp.Notifier
	now      func() time.Time

	ErrCreateLamp error
	ErrCreateEdge error
	ErrList       error
	ErrHasOrigin  error
	ErrLookup     error

	CreateLampCalls int
	CreateEdgeCalls int
	ListLampsCalls  int
	ListEdgesCalls  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrigin: make(map[string]string),
		notifier: lamp.NewNotifier(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateLamp(ctx context.Context, in lamp.NewLamp) (lamp.Lamp, error) {
	m.mu.Lock()
	m.CreateLampCalls++
	if m.ErrCreateLamp != nil {
		err := m.ErrCreateLamp
		m.mu.Unlock()
		return lamp.Lamp{}, err
	}

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		m.mu.Unlock()
		return lamp.Lamp{}, err
	}
	if _, ok := m.byOrigin[in.Origin]; ok {
		m.mu.Unlock()
		return lamp.Lamp{}, lamp.ErrDuplicateOrigin
	}

	token, err := lamp.NewShareToken()
	if err != nil {
		m.mu.Unlock()
		return lamp.Lamp{}, lamp.Unavailable(err)
	}
	l := lamp.Lamp{
		ID:          lamp.NewID(),
		Coordinates: in.Coordinates,
		Message:     in.Message,
		Origin:      in.Origin,
		DeviceID:    in.DeviceID,
		ShareToken:  token,
		CreatedAt:   m.now(),
	}
	m.lamps = append(m.lamps, l)
	m.byOrigin[in.Origin] = l.ID
	m.mu.Unlock()

	m.notifier.Notify()
	return l, nil
}

func (m *MemoryStore) CreateEdge(ctx context.Context, parentID, childID string) (lamp.Edge, error) {
	m.mu.Lock()
	m.CreateEdgeCalls++
	if m.ErrCreateEdge != nil {
		err := m.ErrCreateEdge
		m.mu.Unlock()
		return lamp.Edge{}, err
	}
	if err := lamp.ValidateEdge(parentID, childID, lamp.EdgePolicyLenient); err != nil {
		m.mu.Unlock()
		return lamp.Edge{}, err
	}
	e := lamp.Edge{
		ID:        lamp.NewID(),
		ParentID:  parentID,
		ChildID:   childID,
		CreatedAt: m.now(),
	}
	m.edges = append(m.edges, e)
	m.mu.Unlock()

	m.notifier.Notify()
	return e, nil
}

func (m *MemoryStore) ListLamps(ctx context.Context) ([]lamp.Lamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListLampsCalls++
	if m.ErrList != nil {
		return nil, m.ErrList
	}
	out := make([]lamp.Lamp, 0, len(m.lamps))
	for _, l := range m.lamps {
		out = append(out, l.Public())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListEdges(ctx context.Context) ([]lamp.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListEdgesCalls++
	if m.ErrList != nil {
		return nil, m.ErrList
	}
	return append([]lamp.Edge(nil), m.edges...), nil
}

func (m *MemoryStore) HasOrigin(ctx context.Context, origin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrHasOrigin != nil {
		return false, m.ErrHasOrigin
	}
	_, ok := m.byOrigin[origin]
	return ok, nil
}

func (m *MemoryStore) LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrLookup != nil {
		return lamp.Lamp{}, m.ErrLookup
	}
	for _, l := range m.lamps {
		if l.ID == id && l.ShareToken == token {
			return l.Public(), nil
		}
	}
	return lamp.Lamp{}, lamp.ErrNotFound
}

func (m *MemoryStore) CountLamps(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lamps), nil
}

func (m *MemoryStore) Subscribe(onChange func()) (lamp.Subscription, error) {
	return m.notifier.Subscribe(onChange), nil
}

// Edges returns the raw edge list without counting a call.
func (m *MemoryStore) Edges() []lamp.Edge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]lamp.Edge(nil), m.edges...)
}

// Notify fires a change notification without mutating anything.
func (m *MemoryStore) Notify() {
	m.notifier.Notify()
}

var _ lamp.Store = (*MemoryStore)(nil)
