package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/telehealth/internal/proto"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with many candidates fits.
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

// RelayServer fans websocket messages out to every other client of the
// same scope. One goroutine owns the rooms; each connection has a read
// pump and a write pump.
type RelayServer struct {
	upgrader   websocket.Upgrader
	register   chan *relayClient
	unregister chan *relayClient
	broadcast  chan *Message
	done       chan struct{}

	// loop-owned
	rooms map[string]map[*relayClient]struct{}

	clients atomic.Int64
	scopes  atomic.Int64
	relayed atomic.Int64
}

type relayClient struct {
	srv   *RelayServer
	conn  *websocket.Conn
	scope string
	id    string
	send  chan *Message
}

func NewRelayServer() *RelayServer {
	return &RelayServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *relayClient),
		unregister: make(chan *relayClient),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*relayClient]struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (s *RelayServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			for _, room := range s.rooms {
				for c := range room {
					close(c.send)
				}
			}
			s.rooms = map[string]map[*relayClient]struct{}{}
			return

		case c := <-s.register:
			room := s.rooms[c.scope]
			if room == nil {
				room = make(map[*relayClient]struct{})
				s.rooms[c.scope] = room
				s.scopes.Add(1)
			}
			room[c] = struct{}{}
			s.clients.Add(1)
			log.Infof("relay: %s joined %s (%d in scope)", c.id, c.scope, len(room))

		case c := <-s.unregister:
			room := s.rooms[c.scope]
			if _, ok := room[c]; !ok {
				continue
			}
			delete(room, c)
			close(c.send)
			s.clients.Add(-1)
			if len(room) == 0 {
				delete(s.rooms, c.scope)
				s.scopes.Add(-1)
			}
			log.Infof("relay: %s left %s", c.id, c.scope)

		case msg := <-s.broadcast:
			for c := range s.rooms[msg.Scope] {
				if c.id == msg.From {
					continue
				}
				select {
				case c.send <- msg:
					s.relayed.Add(1)
				default:
					log.Warnf("relay: dropping %s for slow client %s", msg.Event, c.id)
				}
			}
		}
	}
}

// Handler serves the websocket endpoint at /ws and a health probe at /healthz.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proto.RelayPath, s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"scopes":  s.scopes.Load(),
			"clients": s.clients.Load(),
			"relayed": s.relayed.Load(),
		})
	})
	return mux
}

func (s *RelayServer) serveWS(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	id := r.URL.Query().Get("client")
	if scope == "" || id == "" {
		http.Error(w, "scope and client are required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: upgrade: %v", err)
		return
	}
	c := &relayClient{srv: s, conn: conn, scope: scope, id: id, send: make(chan *Message, sendBuffer)}
	select {
	case s.register <- c:
	case <-s.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump stamps every inbound frame with the connection's identity so a
// client cannot speak for another participant or scope.
func (c *relayClient) readPump() {
	defer func() {
		select {
		case c.srv.unregister <- c:
		case <-c.srv.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("relay: read from %s: %v", c.id, err)
			}
			return
		}
		msg.From = c.id
		msg.Scope = c.scope
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.TS == 0 {
			msg.TS = proto.NowMillis()
		}
		select {
		case c.srv.broadcast <- &msg:
		case <-c.srv.done:
			return
		}
	}
}

func (c *relayClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Warnf("relay: write to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
