package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/telehealth/internal/call"
	"github.com/petervdpas/telehealth/internal/config"
	"github.com/petervdpas/telehealth/internal/p2p"
	"github.com/petervdpas/telehealth/internal/signaling"
	"github.com/petervdpas/telehealth/internal/util"
)

// Session is one bound identity: its signaling channel, the call machine
// listening on it and, for the p2p backend, the libp2p node underneath.
type Session struct {
	cfg     config.Config
	self    call.Identity
	ch      signaling.Channel
	node    *p2p.Node
	machine *call.Machine
}

// sessionDeps are the long-lived pieces a session borrows.
type sessionDeps struct {
	PeerDir  string
	Hub      *signaling.Hub
	Recorder call.Recorder
}

func identityOf(cfg config.Config) call.Identity {
	return call.Identity{
		UserID:    cfg.Identity.UserID,
		Role:      call.Role(cfg.Identity.Role),
		Name:      cfg.Identity.DisplayName,
		Specialty: cfg.Identity.Specialty,
	}
}

func peerOptions(ice config.ICE) call.PeerOptions {
	o := call.DefaultPeerOptions()
	if ice.DisconnectedTimeoutSec > 0 {
		o.DisconnectedTimeout = time.Duration(ice.DisconnectedTimeoutSec) * time.Second
	}
	if ice.FailedTimeoutSec > 0 {
		o.FailedTimeout = time.Duration(ice.FailedTimeoutSec) * time.Second
	}
	if ice.KeepAliveSec > 0 {
		o.KeepAliveInterval = time.Duration(ice.KeepAliveSec) * time.Second
	}
	if ice.PLIIntervalSec > 0 {
		o.PLIInterval = time.Duration(ice.PLIIntervalSec) * time.Second
	}
	return o
}

func openChannel(ctx context.Context, cfg config.Config, d sessionDeps) (signaling.Channel, *p2p.Node, error) {
	sc := cfg.Signaling
	self := cfg.Identity.UserID

	switch sc.Backend {
	case config.BackendLocal:
		hub := d.Hub
		if hub == nil {
			hub = signaling.NewHub()
		}
		return hub.Join(sc.Scope, self), nil, nil

	case config.BackendRelay:
		ch, err := signaling.DialRelay(ctx, sc.RelayURL, sc.Scope, self)
		return ch, nil, err

	case config.BackendNATS:
		ch, err := signaling.DialNATS(signaling.NATSOptions{
			URL:             sc.NATS.URL,
			CredentialsFile: sc.NATS.CredentialsFile,
			ReconnectWait:   time.Duration(sc.NATS.ReconnectWaitMs) * time.Millisecond,
			MaxReconnects:   sc.NATS.MaxReconnects,
		}, sc.Scope, self)
		return ch, nil, err

	case config.BackendP2P:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: sc.P2P.ListenPort,
			KeyFile:    util.ResolvePath(d.PeerDir, cfg.Identity.KeyFile),
			MdnsTag:    sc.P2P.MdnsTag,
			Bootstrap:  sc.P2P.Bootstrap,
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := signaling.JoinGossip(node.PubSub(), node.Host.ID(), sc.Scope, self)
		if err != nil {
			node.Close()
			return nil, nil, err
		}
		return ch, node, nil
	}
	return nil, nil, fmt.Errorf("unknown signaling backend %q", sc.Backend)
}

func openSession(ctx context.Context, cfg config.Config, d sessionDeps) (*Session, error) {
	media, err := call.NewMediaSource(call.MediaOptions{
		Source:       cfg.Media.Source,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		return nil, err
	}

	ch, node, err := openChannel(ctx, cfg, d)
	if err != nil {
		return nil, fmt.Errorf("%s signaling: %w", cfg.Signaling.Backend, err)
	}

	s := &Session{
		cfg:  cfg,
		self: identityOf(cfg),
		ch:   ch,
		node: node,
	}
	s.machine = call.New(call.Options{
		Self:       s.self,
		Signaler:   ch,
		Media:      media,
		NewPeer:    call.NewPeerFactory(peerOptions(cfg.ICE)),
		ICEServers: cfg.ICE.STUN,
		Recorder:   d.Recorder,
	})
	log.Infof("[%s] session open: %s as %s in scope %q",
		s.self.UserID, cfg.Signaling.Backend, s.self.Role, cfg.Signaling.Scope)
	return s, nil
}

func (s *Session) Identity() call.Identity     { return s.self }
func (s *Session) Machine() *call.Machine      { return s.machine }
func (s *Session) Backend() string             { return s.cfg.Signaling.Backend }
func (s *Session) Recent() []signaling.Message { return s.ch.Recent() }

func (s *Session) Diag() map[string]any {
	out := map[string]any{"scope": s.cfg.Signaling.Scope}
	switch ch := s.ch.(type) {
	case *signaling.WSChannel:
		out["relay_url"] = s.cfg.Signaling.RelayURL
		out["connected"] = ch.Connected()
	case *signaling.GossipChannel:
		out["topic_peers"] = len(ch.Peers())
	case *signaling.NATSChannel:
		out["subject"] = signaling.Subject(s.cfg.Signaling.Scope)
	}
	if s.node != nil {
		out["p2p"] = s.node.Diag()
	}
	return out
}

// Close ends any call, leaves the scope and stops the node.
func (s *Session) Close() {
	s.machine.Close()
	if err := s.ch.Close(); err != nil {
		log.Debugf("[%s] close channel: %v", s.self.UserID, err)
	}
	if s.node != nil {
		_ = s.node.Close()
	}
	log.Infof("[%s] session closed", s.self.UserID)
}
