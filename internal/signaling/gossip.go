package signaling

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/telehealth/internal/proto"
)

// TopicPrefix namespaces session scopes on the gossipsub mesh.
const TopicPrefix = proto.SignalTopicPrefix

// GossipChannel is a Channel on a libp2p gossipsub topic per scope.
type GossipChannel struct {
	*router
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	host   peer.ID
	cancel context.CancelFunc
	done   chan struct{}
}

// JoinGossip subscribes clientID to scope on ps. host is the local libp2p
// peer, whose own messages are skipped before decoding.
func JoinGossip(ps *pubsub.PubSub, host peer.ID, scope, clientID string) (*GossipChannel, error) {
	topic, err := ps.Join(TopicPrefix + scope)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &GossipChannel{
		router: newRouter(scope, clientID),
		topic:  topic,
		sub:    sub,
		host:   host,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(ctx)
	log.Infof("[%s] joined gossip topic %s", scope, topic.String())
	return c, nil
}

func (c *GossipChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.host {
			continue
		}
		c.deliverRaw(m.Data)
	}
}

func (c *GossipChannel) Publish(ctx context.Context, event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	msg, err := c.envelope(event, payload)
	if err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, data)
}

// Peers lists the mesh peers currently subscribed to this scope.
func (c *GossipChannel) Peers() []peer.ID { return c.topic.ListPeers() }

func (c *GossipChannel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.cancel()
	c.sub.Cancel()
	<-c.done
	return c.topic.Close()
}
