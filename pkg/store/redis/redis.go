package redis

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

const changedPayload = "changed"

// createLampScript claims the origin key and records the lamp in one step.
// KEYS: origin, lamp record, lamp id list. ARGV: id, record json.
var createLampScript = redis.NewScript(`
	if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("SET", KEYS[2], ARGV[2])
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return 1
`)

// createEdgeScript appends an edge if both endpoints exist.
// KEYS: parent record, child record, edge list, edge pair set.
// ARGV: edge json, policy, pair member.
var createEdgeScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("EXISTS", KEYS[2]) == 0 then
		return -1
	end
	if ARGV[2] == "strict" and redis.call("SADD", KEYS[4], ARGV[3]) == 0 then
		return 0
	end
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return 1
`)

// record is the stored form of a lamp, private fields included.
type record struct {
	ID         string    `json:"id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Message    string    `json:"message"`
	Origin     string    `json:"origin"`
	DeviceID   string    `json:"device_id"`
	ShareToken string    `json:"share_token"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r record) lamp() lamp.Lamp {
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

// Store keeps the lamp graph in Redis and broadcasts changes over Pub/Sub,
// so several lampd instances can share one graph.
type Store struct {
	client *redis.Client
	prefix string
	policy lamp.EdgePolicy
	logger *zap.Logger
	now    func() time.Time

	healthCheck time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key and the change channel.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
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

// WithLogger sets the logger used for background failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheckInterval sets how often an idle change subscription pings
// the server to detect a dead connection.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.healthCheck = d
		}
	}
}

func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "lampchain",
		policy: lamp.EdgePolicyLenient,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },

		healthCheck: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) originKey(origin string) string { return fmt.Sprintf("%s:origin:%s", s.prefix, origin) }
func (s *Store) lampKey(id string) string       { return fmt.Sprintf("%s:lamp:%s", s.prefix, id) }
func (s *Store) lampsKey() string               { return s.prefix + ":lamps" }
func (s *Store) edgesKey() string               { return s.prefix + ":edges" }
func (s *Store) edgePairsKey() string           { return s.prefix + ":edge_pairs" }
func (s *Store) changesChannel() string         { return s.prefix + ":changes" }

func (s *Store) CreateLamp(ctx context.Context, in lamp.NewLamp) (lamp.Lamp, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return lamp.Lamp{}, err
	}

	token, err := lamp.NewShareToken()
	if err != nil {
		return lamp.Lamp{}, lamp.Unavailable(err)
	}

	rec := record{
		ID:         lamp.NewID(),
		Lat:        in.Coordinates.Lat,
		Lng:        in.Coordinates.Lng,
		Message:    in.Message,
		Origin:     in.Origin,
		DeviceID:   in.DeviceID,
		ShareToken: token,
		CreatedAt:  s.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return lamp.Lamp{}, fmt.Errorf("failed to marshal lamp: %w", err)
	}

	keys := []string{s.originKey(rec.Origin), s.lampKey(rec.ID), s.lampsKey()}
	created, err := createLampScript.Run(ctx, s.client, keys, rec.ID, string(data)).Int()
	if err != nil {
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to create lamp: %w", err))
	}
	if created == 0 {
		return lamp.Lamp{}, lamp.ErrDuplicateOrigin
	}

	s.publish(ctx)
	return rec.lamp(), nil
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
	data, err := json.Marshal(e)
	if err != nil {
		return lamp.Edge{}, fmt.Errorf("failed to marshal edge: %w", err)
	}

	keys := []string{s.lampKey(parentID), s.lampKey(childID), s.edgesKey(), s.edgePairsKey()}
	res, err := createEdgeScript.Run(ctx, s.client, keys, string(data), string(s.policy), parentID+"|"+childID).Int()
	if err != nil {
		return lamp.Edge{}, lamp.Unavailable(fmt.Errorf("failed to create edge: %w", err))
	}
	switch res {
	case -1:
		return lamp.Edge{}, fmt.Errorf("edge endpoint: %w", lamp.ErrNotFound)
	case 0:
		return lamp.Edge{}, &lamp.ValidationError{Field: "child_id", Reason: "edge already exists"}
	}

	s.publish(ctx)
	return e, nil
}

func (s *Store) ListLamps(ctx context.Context) ([]lamp.Lamp, error) {
	ids, err := s.client.LRange(ctx, s.lampsKey(), 0, -1).Result()
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to LRANGE lamps: %w", err))
	}
	if len(ids) == 0 {
		return []lamp.Lamp{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.lampKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to MGET lamps: %w", err))
	}

	lamps := make([]lamp.Lamp, 0, len(values))
	for i, val := range values {
		str, ok := val.(string)
		if !ok {
			s.logger.Warn("lamp record missing", zap.String("key", keys[i]))
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn("lamp record unreadable", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		lamps = append(lamps, rec.lamp().Public())
	}
	return lamps, nil
}

func (s *Store) ListEdges(ctx context.Context) ([]lamp.Edge, error) {
	raw, err := s.client.LRange(ctx, s.edgesKey(), 0, -1).Result()
	if err != nil {
		return nil, lamp.Unavailable(fmt.Errorf("failed to LRANGE edges: %w", err))
	}

	edges := make([]lamp.Edge, 0, len(raw))
	for _, str := range raw {
		var e lamp.Edge
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			s.logger.Warn("edge record unreadable", zap.Error(err))
			continue
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (s *Store) HasOrigin(ctx context.Context, origin string) (bool, error) {
	n, err := s.client.Exists(ctx, s.originKey(origin)).Result()
	if err != nil {
		return false, lamp.Unavailable(fmt.Errorf("failed to check origin: %w", err))
	}
	return n > 0, nil
}

func (s *Store) LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error) {
	data, err := s.client.Get(ctx, s.lampKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return lamp.Lamp{}, lamp.ErrNotFound
		}
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to GET lamp: %w", err))
	}

	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return lamp.Lamp{}, lamp.Unavailable(fmt.Errorf("failed to unmarshal lamp: %w", err))
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(rec.ShareToken), []byte(token)) != 1 {
		return lamp.Lamp{}, lamp.ErrNotFound
	}
	return rec.lamp().Public(), nil
}

func (s *Store) CountLamps(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.lampsKey()).Result()
	if err != nil {
		return 0, lamp.Unavailable(fmt.Errorf("failed to count lamps: %w", err))
	}
	return int(n), nil
}

// Subscribe listens on the change channel, so writes from any instance
// sharing the prefix reach onChange.
func (s *Store) Subscribe(onChange func()) (lamp.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.client.Subscribe(ctx, s.changesChannel())

	// Wait for the subscription to be confirmed before returning.
	recvCtx, recvCancel := context.WithTimeout(ctx, 5*time.Second)
	defer recvCancel()
	if _, err := ps.Receive(recvCtx); err != nil {
		cancel()
		ps.Close()
		return nil, lamp.Unavailable(fmt.Errorf("failed to subscribe: %w", err))
	}

	// The initial confirmation was consumed above, so any later "subscribe"
	// means the connection dropped and was restored. Changes published in
	// between are lost, so treat the resubscribe itself as a change.
	ch := ps.ChannelWithSubscriptions(redis.WithChannelHealthCheckInterval(s.healthCheck))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind != "subscribe" {
						continue
					}
					s.logger.Info("change channel resubscribed", zap.String("channel", m.Channel))
				case *redis.Message:
				default:
					continue
				}
				onChange()
			}
		}
	}()

	var once sync.Once
	return lamp.SubscriptionFunc(func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				s.logger.Debug("pubsub close failed", zap.Error(err))
			}
			<-done
		})
	}), nil
}

func (s *Store) publish(ctx context.Context) {
	if err := s.client.Publish(ctx, s.changesChannel(), changedPayload).Err(); err != nil {
		s.logger.Warn("failed to publish change", zap.Error(err))
	}
}

var _ lamp.Store = (*Store)(nil)
