// Package supabase stores the lamp graph in a hosted Postgres reached
// through Supabase's PostgREST endpoint.
//
// Expected schema:
//
//	create table lamps (
//	  id text primary key,
//	  lat double precision not null,
//	  lng double precision not null,
//	  message text not null,
//	  origin text not null unique,
//	  device_id text not null default '',
//	  share_token text not null,
//	  created_at timestamptz not null
//	);
//	create table edges (
//	  id text primary key,
//	  parent_id text not null references lamps(id),
//	  child_id text not null references lamps(id),
//	  created_at timestamptz not null
//	);
package supabase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type lampRow struct {
	ID         string    `json:"id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Message    string    `json:"message"`
	Origin     string    `json:"origin,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	ShareToken string    `json:"share_token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r lampRow) lamp() lamp.Lamp {
	return lamp.Lamp{
		ID:          r.ID,
		Coordinates: lamp.Coordinates{Lat: r.Lat, Lng: r.Lng},
		Message:     r.Message,
		Origin:      r.Origin,
		DeviceID:    r.DeviceID,
		ShareToken:  r.ShareToken,
		CreatedAt:   r.CreatedAt,
	}
}

// Store implements lamp.Store on Supabase tables. Supabase realtime is not
// available from Go, so Subscribe is fed by a Poller plus local writes.
type Store struct {
	client     *supabase.Client
	lampsTable string
	edgesTable string
	policy     lamp.EdgePolicy
	interval   time.Duration
	logger     *zap.Logger
	notifier   *lamp.Notifier
	poller     *Poller
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTables overrides the table names.
func WithTables(lamps, edges string) Option {
	return func(s *Store) {
		if lamps != "" {
			s.lampsTable = lamps
		}
		if edges != "" {
			s.edgesTable = edges
		}
	}
}

// WithPollInterval sets how often Start probes for remote changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithEdgePolicy sets how strictly CreateEdge guards graph shape.
func WithEdgePolicy(p lamp.EdgePolicy) Option {
	return func(s *Store) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore connects to the Supabase project at url with an API key.
func NewStore(url, key string, opts ...Option) (*Store, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	s := &Store{
		client:     client,
		lampsTable: "lamps",
		edgesTable: "edges",
		policy:     lamp.EdgePolicyLenient,
		interval:   5 * time.Second,
		logger:     zap.NewNop(),
		notifier:   lamp.NewNotifier(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.poller = NewPoller(s.fingerprint, s.interval, s.notifier.Notify, s.logger)
	return s, nil
}

// Start polls for writes made by other instances until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	s.poller.Start(ctx)
}

func (s *Store) CreateLamp(ctx context.Context, in lamp.NewLamp) (lamp.Lamp, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return lamp.Lamp{}, err
	}

	token, err := lamp.NewShareToken()
	if err != nil {
		return lamp.Lamp{}, lamp.Unavailable(err)
	}

	row := lampRow{
		ID:         lamp.NewID(),
		Lat:        in.Coordinates.Lat,
		Lng:        in.Coordinates.Lng,
		Message:    in.Message,
		Origin:     in.Origin,
		DeviceID:   in.DeviceID,
		ShareToken: token,
		CreatedAt:  s.now(),
	}

	_, _, err = s.client.From(s.lampsTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		if hasCode(err, pgUniqueViolation) {
			return lamp.Lamp{}, lamp.ErrDuplicateOrigin
		}
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to insert lamp: %w", err))
	}

	s.notifier.Notify()
	return row.lamp(), nil
}

func (s *Store) CreateEdge(ctx context.Context, parentID, childID string) (lamp.Edge, error) {
	if err := lamp.ValidateEdge(parentID, childID, s.policy); err != nil {
		return lamp.Edge{}, err
	}

	e := lamp.Edge{
		ID:        lamp.NewID(),
		ParentID:  parentID,
		ChildID:   childID,
		CreatedAt: s.now(),
	}

	_, _, err := s.client.From(s.edgesTable).Insert(e, false, "", "minimal", "").Execute()
	if err != nil {
		switch {
		case hasCode(err, pgForeignKeyViolation):
			return lamp.Edge{}, fmt.Errorf("edge endpoint: %w", lamp.ErrNotFound)
		case hasCode(err, pgUniqueViolation):
			return lamp.Edge{}, &lamp.ValidationError{Field: "child_id", Reason: "edge already exists"}
		}
		return lamp.Edge{}, lamp.Unavailable(fmt.Errorf("failed to insert edge: %w", err))
	}

	s.notifier.Notify()
	return e, nil
}

func (s *Store) ListLamps(ctx context.Context) ([]lamp.Lamp, error) {
	var rows []lampRow
	_, err := s.client.From(s.lampsTable).
		Select("id,lat,lng,message,created_at", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Order("id", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to select lamps: %w", err))
	}

	lamps := make([]lamp.Lamp, 0, len(rows))
	for _, r := range rows {
		lamps = append(lamps, r.lamp().Public())
	}
	return lamps, nil
}

func (s *Store) ListEdges(ctx context.Context) ([]lamp.Edge, error) {
	var edges []lamp.Edge
	_, err := s.client.From(s.edgesTable).
		Select("id,parent_id,child_id,created_at", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Order("id", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&edges)
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to select edges: %w", err))
	}
	if edges == nil {
		edges = []lamp.Edge{}
	}
	return edges, nil
}

func (s *Store) HasOrigin(ctx context.Context, origin string) (bool, error) {
	var rows []lampRow
	_, err := s.client.From(s.lampsTable).
		Select("id", "", false).
		Eq("origin", origin).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return false, lamp.Unavailable(fmt.Errorf("failed to check origin: %w", err))
	}
	return len(rows) > 0, nil
}

func (s *Store) LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error) {
	if token == "" {
		return lamp.Lamp{}, lamp.ErrNotFound
	}
	var rows []lampRow
	_, err := s.client.From(s.lampsTable).
		Select("id,lat,lng,message,created_at", "", false).
		Eq("id", id).
		Eq("share_token", token).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to get lamp: %w", err))
	}
	if len(rows) == 0 {
		return lamp.Lamp{}, lamp.ErrNotFound
	}
	return rows[0].lamp(), nil
}

func (s *Store) CountLamps(ctx context.Context) (int, error) {
	n, err := s.count(s.lampsTable)
	if err != nil {
		return 0, lamp.Unavailable(fmt.Errorf("failed to count lamps: %w", err))
	}
	return int(n), nil
}

func (s *Store) Subscribe(onChange func()) (lamp.Subscription, error) {
	return s.notifier.Subscribe(onChange), nil
}

func (s *Store) count(table string) (int64, error) {
	_, n, err := s.client.From(table).Select("id", "exact", true).Execute()
	return n, err
}

// fingerprint changes on any insert; both tables are append-only.
func (s *Store) fingerprint(ctx context.Context) (string, error) {
	lamps, err := s.count(s.lampsTable)
	if err != nil {
		return "", err
	}
	edges, err := s.count(s.edgesTable)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", lamps, edges), nil
}

// hasCode reports whether a PostgREST error carries the given Postgres
// error code. The client surfaces it only in the message text.
func hasCode(err error, code string) bool {
	msg := err.Error()
	if strings.Contains(msg, code) {
		return true
	}
	return code == pgUniqueViolation && strings.Contains(msg, "duplicate key")
}

var _ lamp.Store = (*Store)(nil)
