package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/telehealth/internal/proto"
)

var errNotConnected = errors.New("relay connection is down")

// WSChannel is a Channel through a RelayServer. It redials with backoff
// when the connection drops; messages published while down are lost.
type WSChannel struct {
	*router
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialRelay connects clientID to scope on the relay at relayURL
// (ws://host:port; http and https are mapped to ws and wss). The first
// dial must succeed.
func DialRelay(ctx context.Context, relayURL, scope, clientID string) (*WSChannel, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = proto.RelayPath
	}
	q := u.Query()
	q.Set("scope", scope)
	q.Set("client", clientID)
	u.RawQuery = q.Encode()

	runCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		router: newRouter(scope, clientID),
		url:    u.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.run(conn)
	log.Infof("[%s] connected to relay %s", scope, u.Host)
	return c, nil
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	return conn, nil
}

func (c *WSChannel) run(conn *websocket.Conn) {
	defer close(c.done)
	backoff := time.Second
	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			conn, err = c.dial(c.ctx)
			if err == nil {
				log.Infof("[%s] relay reconnected", c.scope)
				backoff = time.Second
				break
			}
			log.Warnf("[%s] %v (retry in %s)", c.scope, err, backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Warnf("[%s] relay read: %v", c.scope, err)
			}
			return
		}
		c.deliverRaw(data)
	}
}

func (c *WSChannel) Publish(ctx context.Context, event string, payload any) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg, err := c.envelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

// Connected reports whether the relay connection is currently up.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSChannel) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}
