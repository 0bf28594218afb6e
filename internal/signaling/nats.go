package signaling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petervdpas/telehealth/internal/proto"
)

// SubjectPrefix namespaces session scopes on a shared NATS server.
const SubjectPrefix = proto.SignalSubjectPrefix

// NATSChannel is a Channel on one NATS subject per scope.
type NATSChannel struct {
	*router
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NATSOptions configures DialNATS.
type NATSOptions struct {
	URL             string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// DialNATS connects clientID to scope through the NATS server at opts.URL.
func DialNATS(opts NATSOptions, scope, clientID string) (*NATSChannel, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	natsOpts := []nats.Option{
		nats.Name("telehealth-" + clientID),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("[%s] nats disconnected: %v", scope, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("[%s] nats reconnected to %s", scope, nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debugf("[%s] nats connection closed", scope)
		}),
	}
	if opts.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.CredentialsFile))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &NATSChannel{
		router:  newRouter(scope, clientID),
		nc:      nc,
		subject: Subject(scope),
	}
	c.sub, err = nc.Subscribe(c.subject, func(m *nats.Msg) {
		c.deliverRaw(m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	// The subscription must be live on the server before the first publish.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscribe %s: %w", c.subject, err)
	}
	log.Infof("[%s] joined nats subject %s", scope, c.subject)
	return c, nil
}

// Subject maps a scope onto a single NATS subject token.
func Subject(scope string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, scope)
	return SubjectPrefix + clean
}

func (c *NATSChannel) Publish(_ context.Context, event string, payload any) error {
	if c.nc.IsClosed() {
		return ErrClosed
	}
	msg, err := c.envelope(event, payload)
	if err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return c.nc.Publish(c.subject, data)
}

func (c *NATSChannel) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil {
		log.Debugf("[%s] unsubscribe: %v", c.scope, err)
	}
	c.nc.Close()
	return nil
}
