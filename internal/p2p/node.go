package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/telehealth/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

// Options configures New.
type Options struct {
	ListenPort int
	KeyFile    string

	// Empty disables LAN discovery.
	MdnsTag string

	// Multiaddrs with a /p2p/ component.
	Bootstrap []string

	// Loopback only; tests.
	Loopback bool
}

// Node is the libp2p host the gossip signaling backend rides on.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	md   mdns.Service

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("[%s] mdns connect: %v", shortID(pi.ID), err)
		return
	}
	log.Infof("[%s] found on LAN", shortID(pi.ID))
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// ParseBootstrap turns multiaddr strings into dialable peer infos. Every
// address must carry a /p2p/<peer id> component.
func ParseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	boot, err := ParseBootstrap(opts.Bootstrap)
	if err != nil {
		return nil, err
	}

	var keyOpt libp2p.Option = libp2p.RandomIdentity
	if opts.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(opts.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("generated new identity key: %s", opts.KeyFile)
		} else {
			log.Debugf("loaded identity key: %s", opts.KeyFile)
		}
		keyOpt = libp2p.Identity(priv)
	}

	bind := "0.0.0.0"
	if opts.Loopback {
		bind = "127.0.0.1"
	}
	h, err := libp2p.New(
		keyOpt,
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", bind, opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, startTime: time.Now()}

	if opts.MdnsTag != "" {
		n.md = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.Close()
		return nil, err
	}

	for _, ai := range boot {
		go n.connect(ctx, ai)
	}

	log.Infof("[%s] listening on %v", shortID(h.ID()), h.Addrs())
	return n, nil
}

func (n *Node) connect(ctx context.Context, ai peer.AddrInfo) {
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(cctx, ai); err != nil {
		log.Warnf("[%s] bootstrap connect: %v", shortID(ai.ID), err)
		return
	}
	log.Infof("[%s] bootstrap peer connected", shortID(ai.ID))
}

// PubSub is the gossipsub router shared by every scope this node joins.
func (n *Node) PubSub() *pubsub.PubSub { return n.ps }

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the dialable addresses of this node with the /p2p/ suffix,
// the form other peers put in their bootstrap list.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.ID())
	}
	return out
}

func (n *Node) Close() error {
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.Host.Close()
}

// Diag returns a connection report for the local UI.
func (n *Node) Diag() map[string]any {
	now := time.Now()

	var lan []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		lan = append(lan, a.String())
	}

	var conns []map[string]any
	for _, pid := range n.Host.Network().Peers() {
		for _, c := range n.Host.Network().ConnsToPeer(pid) {
			conns = append(conns, map[string]any{
				"peer_id": pid.String(),
				"addr":    c.RemoteMultiaddr().String(),
				"dir":     dirString(c.Stat().Direction),
				"age":     now.Sub(c.Stat().Opened).Truncate(time.Second).String(),
			})
		}
	}

	return map[string]any{
		"peer_id":         n.ID(),
		"addrs":           n.Addrs(),
		"lan_addrs":       lan,
		"connected_peers": len(n.Host.Network().Peers()),
		"connections":     conns,
		"uptime":          now.Sub(n.startTime).Truncate(time.Second).String(),
		"os":              runtime.GOOS,
		"num_goroutine":   runtime.NumGoroutine(),
	}
}

// dirString converts a network.Direction to a human-readable string.
func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}
