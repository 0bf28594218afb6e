package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newGossipHost(t *testing.T, ctx context.Context) (host.Host, *pubsub.PubSub) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatalf("NewGossipSub: %v", err)
	}
	return h, ps
}

func TestGossipDelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("gossip mesh needs a few heartbeats")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1, ps1 := newGossipHost(t, ctx)
	h2, ps2 := newGossipHost(t, ctx)
	if err := h2.Connect(ctx, peer.AddrInfo{ID: h1.ID(), Addrs: h1.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	doc, err := JoinGossip(ps1, h1.ID(), "clinic", "dr-1")
	if err != nil {
		t.Fatalf("JoinGossip doc: %v", err)
	}
	defer doc.Close()
	pat, err := JoinGossip(ps2, h2.ID(), "clinic", "pt-1")
	if err != nil {
		t.Fatalf("JoinGossip pat: %v", err)
	}
	defer pat.Close()

	got := make(chan string, 16)
	pat.Subscribe("video-call", func(raw json.RawMessage) {
		var r ring
		_ = json.Unmarshal(raw, &r)
		got <- r.PatientID
	})
	echo := make(chan struct{}, 16)
	doc.Subscribe("video-call", func(json.RawMessage) { echo <- struct{}{} })

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := doc.Publish(ctx, "video-call", ring{PatientID: "pt-1"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case id := <-got:
			if id != "pt-1" {
				t.Errorf("patient got ring for %q", id)
			}
			select {
			case <-echo:
				t.Error("publisher received its own gossip")
			default:
			}
			return
		case <-deadline:
			t.Fatal("ring never crossed the gossip mesh")
		case <-tick.C:
		}
	}
}
