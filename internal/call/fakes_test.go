package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// ── bus ──────────────────────────────────────────────────────────────────────

type busMsg struct {
	from    string
	event   string
	payload json.RawMessage
}

// fakeBus delivers synchronously to every member except the publisher.
type fakeBus struct {
	mu      sync.Mutex
	members []*busMember
	sent    []busMsg
}

type busMember struct {
	bus      *fakeBus
	id       string
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)
}

func (b *fakeBus) join(id string) *busMember {
	m := &busMember{bus: b, id: id, handlers: make(map[string]map[int]func(json.RawMessage))}
	b.mu.Lock()
	b.members = append(b.members, m)
	b.mu.Unlock()
	return m
}

func (b *fakeBus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.sent {
		if m.event == event {
			n++
		}
	}
	return n
}

func (b *fakeBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, m := range b.sent {
		out[i] = m.event
	}
	return out
}

func (b *fakeBus) last(event string, v any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].event == event {
			return json.Unmarshal(b.sent[i].payload, v) == nil
		}
	}
	return false
}

func (m *busMember) Subscribe(event string, fn func(json.RawMessage)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]func(json.RawMessage))
	}
	m.handlers[event][id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers[event], id)
		m.mu.Unlock()
	}
}

func (m *busMember) Publish(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.bus.mu.Lock()
	m.bus.sent = append(m.bus.sent, busMsg{from: m.id, event: event, payload: raw})
	members := append([]*busMember(nil), m.bus.members...)
	m.bus.mu.Unlock()

	for _, o := range members {
		if o == m {
			continue
		}
		o.mu.Lock()
		var fns []func(json.RawMessage)
		for _, fn := range o.handlers[event] {
			fns = append(fns, fn)
		}
		o.mu.Unlock()
		for _, fn := range fns {
			fn(raw)
		}
	}
	return nil
}

// ── media ────────────────────────────────────────────────────────────────────

type fakeStream struct {
	id      string
	stopped atomic.Bool
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) Stop()                       { s.stopped.Store(true) }
func (s *fakeStream) Live() bool                  { return !s.stopped.Load() }

type fakeMedia struct {
	err  error
	gate chan struct{}

	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeMedia) Acquire(ctx context.Context) (LocalStream, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{id: fmt.Sprintf("stream-%d", len(f.streams)+1)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMedia) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

// ── peers ────────────────────────────────────────────────────────────────────

type fakePeer struct {
	cfg      PeerConfig
	applyErr error

	mu         sync.Mutex
	closed     bool
	offerIn    webrtc.SessionDescription
	answerIn   *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	sending    map[webrtc.RTPCodecType]bool
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.cfg.Label}, nil
}

func (p *fakePeer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offerIn = offer
	p.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (p *fakePeer) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	if p.applyErr != nil {
		return p.applyErr
	}
	p.mu.Lock()
	p.answerIn = &answer
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetSending(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	p.sending[kind] = on
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emit(ev PeerEvent) { p.cfg.Sink(ev) }

type fakePeers struct {
	applyErr error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) factory(cfg PeerConfig) (PeerConn, error) {
	p := &fakePeer{cfg: cfg, applyErr: f.applyErr, sending: map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: true,
		webrtc.RTPCodecTypeVideo: true,
	}}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

// ── recorder ─────────────────────────────────────────────────────────────────

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
	delay   time.Duration // simulates a slow store
}

func (r *fakeRecorder) RecordCall(_ context.Context, rec Record) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// ── rig ──────────────────────────────────────────────────────────────────────

type party struct {
	m     *Machine
	media *fakeMedia
	peers *fakePeers
	rec   *fakeRecorder
}

func (b *fakeBus) party(t *testing.T, id Identity) *party {
	t.Helper()
	p := &party{media: &fakeMedia{}, peers: &fakePeers{}, rec: &fakeRecorder{}}
	p.m = New(Options{
		Self:     id,
		Signaler: b.join(id.UserID),
		Media:    p.media,
		NewPeer:  p.peers.factory,
		Recorder: p.rec,
	})
	t.Cleanup(p.m.Close)
	return p
}

var (
	drHouse = Identity{UserID: "dr-1", Role: RoleDoctor, Name: "Dr. House", Specialty: "Diagnostics"}
	drWho   = Identity{UserID: "dr-2", Role: RoleDoctor, Name: "Dr. Who", Specialty: "General"}
	alice   = Identity{UserID: "pt-1", Role: RolePatient, Name: "Alice"}
	bob     = Identity{UserID: "pt-2", Role: RolePatient, Name: "Bob"}

	apptAlice = Appointment{ID: 42, PatientID: "pt-1", DoctorID: "dr-1", PatientName: "Alice", DoctorName: "Dr. House", Specialty: "Diagnostics"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
