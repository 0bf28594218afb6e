package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is used when no ICE servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

var errNoLocalOffer = errors.New("no local offer outstanding")

// PeerOptions tunes the pion transport shared by every call on this node.
type PeerOptions struct {
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	PLIInterval         time.Duration
}

// DefaultPeerOptions keeps brief relay/NAT hiccups from dropping the call.
func DefaultPeerOptions() PeerOptions {
	return PeerOptions{
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		PLIInterval:         3 * time.Second,
	}
}

// NewPeerFactory returns a PeerFactory backed by pion/webrtc.
func NewPeerFactory(opts PeerOptions) PeerFactory {
	return func(cfg PeerConfig) (PeerConn, error) {
		return newPionPeer(opts, cfg)
	}
}

type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

type pionPeer struct {
	label string
	opts  PeerOptions
	pc    *webrtc.PeerConnection
	sink  func(PeerEvent)

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*senderSlot

	closeOnce sync.Once
	done      chan struct{}
}

func newAPI(opts PeerOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = []string{DefaultSTUN}
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

func newPionPeer(opts PeerOptions, cfg PeerConfig) (*pionPeer, error) {
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg.ICEServers)})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{
		label:   cfg.Label,
		opts:    opts,
		pc:      pc,
		sink:    cfg.Sink,
		senders: make(map[webrtc.RTPCodecType]*senderSlot),
		done:    make(chan struct{}),
	}
	if p.sink == nil {
		p.sink = func(PeerEvent) {}
	}

	if cfg.Stream != nil {
		for _, track := range cfg.Stream.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Warnf("[%s] add %s track: %v", p.label, track.Kind(), err)
				continue
			}
			p.senders[track.Kind()] = &senderSlot{sender: sender, track: track}
			go p.drainRTCP(sender)
		}
	}
	p.addRecvOnlyTransceivers()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sink(PeerEvent{Kind: PeerCandidate, Candidate: c.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.sink(PeerEvent{Kind: PeerTrack, Track: RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		}})
		go p.readRemote(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.sink(PeerEvent{Kind: PeerState, State: s.String()})
	})
	return p, nil
}

// addRecvOnlyTransceivers covers any media kind with no local track so the
// SDP always carries both m-lines.
func (p *pionPeer) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, ok := p.senders[kind]; ok {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[%s] add recvonly %s transceiver: %v", p.label, kind, err)
		}
	}
}

// drainRTCP keeps interceptors fed; pion requires inbound RTCP to be read.
func (p *pionPeer) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.localDescription(offer), nil
}

func (p *pionPeer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.localDescription(answer), nil
}

func (p *pionPeer) localDescription(fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if ld := p.pc.LocalDescription(); ld != nil {
		return *ld
	}
	return fallback
}

func (p *pionPeer) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w (signaling state %s)", errNoLocalOffer, p.pc.SignalingState())
	}
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// SetSending swaps the outbound track for kind in or out without renegotiation.
func (p *pionPeer) SetSending(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	slot, ok := p.senders[kind]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local %s track", kind)
	}
	if on {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}
