package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

const (
	// Time allowed to read the next message or pong from the daemon
	pongWait = 60 * time.Second

	maxMessageSize = 4 * 1024
)

// Subscribe opens the daemon's change stream. The first connection is made
// synchronously so an unreachable daemon is reported; after that the stream
// reconnects with backoff and fires onChange on every reconnect, since
// changes may have been missed while disconnected.
func (c *Client) Subscribe(onChange func()) (lamp.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, lamp.Unavailable(fmt.Errorf("failed to open change stream: %w", err))
	}

	s := &stream{
		client:   c,
		onChange: onChange,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.setConn(conn)
	go s.run(ctx, conn)
	return s, nil
}

func (c *Client) changesURL() string {
	u := c.endpoint + "/v1/changes"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.changesURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

type stream struct {
	client   *Client
	onChange func()
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Cancel stops the stream and waits for its goroutine to exit.
func (s *stream) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		<-s.done
	})
}

func (s *stream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	logger := s.client.logger

	first := true
	for {
		s.read(ctx, conn, first)
		conn.Close()
		first = false

		for attempt := 0; ; attempt++ {
			if err := sleep(ctx, s.client.backoff, attempt); err != nil {
				return
			}
			var err error
			conn, err = s.client.dial(ctx)
			if err == nil {
				break
			}
			logger.Debug("change stream reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		s.setConn(conn)
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		logger.Info("change stream reconnected")
	}
}

// read consumes frames until the connection fails. A hello after a
// reconnect counts as a change.
func (s *stream) read(ctx context.Context, conn *websocket.Conn, first bool) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.client.logger.Warn("change stream dropped", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg changeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.client.logger.Debug("ignoring malformed change frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "changed":
			s.onChange()
		case "hello":
			if !first {
				s.onChange()
			}
		}
	}
}
