// Package signaling carries call events between the participants of a
// session scope. Every backend broadcasts to all members of the scope and
// never echoes a message back to its publisher; members decide locally
// whether a message is meant for them.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/telehealth/internal/proto"
	"github.com/petervdpas/telehealth/internal/util"
)

var log = logging.Logger("signaling")

var ErrClosed = errors.New("signaling channel closed")

const (
	recentCap = 128
	seenCap   = 1024
)

// Message is the envelope every backend carries on the wire.
type Message struct {
	ID      string          `json:"id"`
	Scope   string          `json:"scope"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// Channel is one participant's membership of a session scope.
type Channel interface {
	Subscribe(event string, fn func(payload json.RawMessage)) (cancel func())
	Publish(ctx context.Context, event string, payload any) error
	// Recent returns the last messages sent or delivered, oldest first.
	Recent() []Message
	Close() error
}

// router is the handler registry and inbound filter shared by every backend.
type router struct {
	scope string
	self  string

	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string
	pos    int

	recent *util.RingBuffer[Message]
}

func newRouter(scope, self string) *router {
	return &router{
		scope:    scope,
		self:     self,
		handlers: make(map[string]map[int]func(json.RawMessage)),
		seen:     make(map[string]struct{}, seenCap),
		order:    make([]string, seenCap),
		recent:   util.NewRingBuffer[Message](recentCap),
	}
}

func (r *router) Subscribe(event string, fn func(json.RawMessage)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[int]func(json.RawMessage))
	}
	r.handlers[event][id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[event], id)
			r.mu.Unlock()
		})
	}
}

func (r *router) Recent() []Message { return r.recent.Snapshot() }

// envelope wraps payload for publication and remembers it.
func (r *router) envelope(event string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	msg := &Message{
		ID:      uuid.NewString(),
		Scope:   r.scope,
		Event:   event,
		From:    r.self,
		Payload: raw,
		TS:      proto.NowMillis(),
	}
	r.markSeen(msg.ID)
	r.recent.Push(*msg)
	return msg, nil
}

// deliver hands an inbound message to the handlers for its event. Own
// messages, other scopes and repeats are dropped.
func (r *router) deliver(msg *Message) {
	if msg == nil || msg.From == r.self || msg.Scope != r.scope || msg.Event == "" {
		return
	}
	if msg.ID != "" && !r.markSeen(msg.ID) {
		return
	}
	r.recent.Push(*msg)

	r.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(r.handlers[msg.Event]))
	for _, fn := range r.handlers[msg.Event] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	if len(fns) == 0 {
		log.Debugf("[%s] no handler for %s from %s", r.scope, msg.Event, msg.From)
	}
	for _, fn := range fns {
		fn(msg.Payload)
	}
}

// deliverRaw decodes one wire frame and delivers it.
func (r *router) deliverRaw(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("[%s] malformed frame: %v", r.scope, err)
		return
	}
	r.deliver(&msg)
}

// markSeen records id and reports whether it was new.
func (r *router) markSeen(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.order[r.pos]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.pos] = id
	r.pos = (r.pos + 1) % len(r.order)
	r.seen[id] = struct{}{}
	return true
}

func encodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
