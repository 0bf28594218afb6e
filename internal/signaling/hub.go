package signaling

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is an in-process broadcast bus. Publish delivers to every other
// member before it returns.
type Hub struct {
	mu      sync.RWMutex
	members map[*LocalChannel]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*LocalChannel]struct{})}
}

// Join adds clientID to scope.
func (h *Hub) Join(scope, clientID string) *LocalChannel {
	c := &LocalChannel{router: newRouter(scope, clientID), hub: h}
	h.mu.Lock()
	h.members[c] = struct{}{}
	h.mu.Unlock()
	log.Debugf("[%s] %s joined local hub", scope, clientID)
	return c
}

func (h *Hub) broadcast(from *LocalChannel, msg *Message) {
	h.mu.RLock()
	targets := make([]*LocalChannel, 0, len(h.members))
	for c := range h.members {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.deliver(msg)
	}
}

// LocalChannel is a Hub membership.
type LocalChannel struct {
	*router
	hub    *Hub
	closed atomic.Bool
}

func (c *LocalChannel) Publish(_ context.Context, event string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	msg, err := c.envelope(event, payload)
	if err != nil {
		return err
	}
	c.hub.broadcast(c, msg)
	return nil
}

func (c *LocalChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.hub.mu.Lock()
	delete(c.hub.members, c)
	c.hub.mu.Unlock()
	return nil
}
