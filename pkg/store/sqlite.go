package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Store is the SQLite-backed lamp graph.
type Store struct {
	db       *sql.DB
	policy   lamp.EdgePolicy
	notifier *lamp.Notifier
	now      func() time.Time
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// rather than a one-off PRAGMA.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:       db,
		policy:   lamp.EdgePolicyLenient,
		notifier: lamp.NewNotifier(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// origin is UNIQUE: the insert itself is the one-lamp-per-origin check.
	query := `
	CREATE TABLE IF NOT EXISTS lamps (
		id TEXT PRIMARY KEY,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		message TEXT NOT NULL,
		origin TEXT NOT NULL UNIQUE,
		device_id TEXT NOT NULL DEFAULT '',
		share_token TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lamps_created_at ON lamps(created_at);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES lamps(id),
		child_id TEXT NOT NULL REFERENCES lamps(id),
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_child ON edges(child_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if s.policy == lamp.EdgePolicyStrict {
		if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_pair ON edges(parent_id, child_id)`); err != nil {
			return fmt.Errorf("failed to create edge pair index: %w", err)
		}
	}

	return nil
}

// CreateLamp inserts a lamp, failing with lamp.ErrDuplicateOrigin when the
// origin already owns one.
func (s *Store) CreateLamp(ctx context.Context, in lamp.NewLamp) (lamp.Lamp, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return lamp.Lamp{}, err
	}

	token, err := lamp.NewShareToken()
	if err != nil {
		return lamp.Lamp{}, lamp.Unavailable(err)
	}

	l := lamp.Lamp{
		ID:          lamp.NewID(),
		Coordinates: in.Coordinates,
		Message:     in.Message,
		Origin:      in.Origin,
		DeviceID:    in.DeviceID,
		ShareToken:  token,
		CreatedAt:   s.now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lamps (id, lat, lng, message, origin, device_id, share_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Coordinates.Lat, l.Coordinates.Lng, l.Message, l.Origin, l.DeviceID, l.ShareToken, l.CreatedAt)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return lamp.Lamp{}, lamp.ErrDuplicateOrigin
		}
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to insert lamp: %w", err))
	}

	s.notifier.Notify()
	return l, nil
}

// CreateEdge links two existing lamps.
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (id, parent_id, child_id, created_at)
		VALUES (?, ?, ?, ?)
	`, e.ID, e.ParentID, e.ChildID, e.CreatedAt)
	if err != nil {
		switch {
		case isConstraint(err, sqlite3.ErrConstraintForeignKey):
			return lamp.Edge{}, fmt.Errorf("edge endpoint: %w", lamp.ErrNotFound)
		case isConstraint(err, sqlite3.ErrConstraintUnique):
			return lamp.Edge{}, &lamp.ValidationError{Field: "child_id", Reason: "edge already exists"}
		}
		return lamp.Edge{}, lamp.Unavailable(fmt.Errorf("failed to insert edge: %w", err))
	}

	s.notifier.Notify()
	return e, nil
}

// ListLamps returns all lamps in creation order, without private fields.
func (s *Store) ListLamps(ctx context.Context) ([]lamp.Lamp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lat, lng, message, created_at
		FROM lamps
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to query lamps: %w", err))
	}
	defer rows.Close()

	lamps := make([]lamp.Lamp, 0)
	for rows.Next() {
		var l lamp.Lamp
		if err := rows.Scan(&l.ID, &l.Coordinates.Lat, &l.Coordinates.Lng, &l.Message, &l.CreatedAt); err != nil {
			return nil, lamp.Unavailable(fmt.Errorf("failed to scan lamp: %w", err))
		}
		lamps = append(lamps, l)
	}
	if err := rows.Err(); err != nil {
		return nil, lamp.Unavailable(err)
	}
	return lamps, nil
}

// ListEdges returns all edges in creation order.
func (s *Store) ListEdges(ctx context.Context) ([]lamp.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, child_id, created_at
		FROM edges
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to query edges: %w", err))
	}
	defer rows.Close()

	edges := make([]lamp.Edge, 0)
	for rows.Next() {
		var e lamp.Edge
		if err := rows.Scan(&e.ID, &e.ParentID, &e.ChildID, &e.CreatedAt); err != nil {
			return nil, lamp.Unavailable(fmt.Errorf("failed to scan edge: %w", err))
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, lamp.Unavailable(err)
	}
	return edges, nil
}

// HasOrigin reports whether origin already owns a lamp.
func (s *Store) HasOrigin(ctx context.Context, origin string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lamps WHERE origin = ? LIMIT 1`, origin).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, lamp.Unavailable(fmt.Errorf("failed to check origin: %w", err))
	}
	return true, nil
}

// LookupLamp returns the lamp only when both id and token match.
func (s *Store) LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error) {
	var l lamp.Lamp
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lat, lng, message, created_at
		FROM lamps WHERE id = ? AND share_token = ?
	`, id, token).Scan(&l.ID, &l.Coordinates.Lat, &l.Coordinates.Lng, &l.Message, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lamp.Lamp{}, lamp.ErrNotFound
		}
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to get lamp: %w", err))
	}
	return l, nil
}

// CountLamps returns the number of lamps.
func (s *Store) CountLamps(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lamps`).Scan(&n); err != nil {
		return 0, lamp.Unavailable(fmt.Errorf("failed to count lamps: %w", err))
	}
	return n, nil
}

// Subscribe registers onChange for writes made through this Store.
func (s *Store) Subscribe(onChange func()) (lamp.Subscription, error) {
	return s.notifier.Subscribe(onChange), nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == code
}

var _ lamp.Store = (*Store)(nil)
