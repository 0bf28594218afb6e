// Package call implements the doctor/patient video call: the call state
// machine, the pion peer connection it negotiates, and local media capture.
// Coupling to the rest of the node is via the Signaler, MediaSource,
// PeerFactory and Recorder interfaces only.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/telehealth/internal/proto"
)

var log = logging.Logger("call")

// State of the local call session.
type State string

const (
	StateIdle     State = "idle"
	StateIncoming State = "incoming"
	StateActive   State = "active"
)

// Caller is what the patient sees while the phone rings.
type Caller struct {
	AppointmentID int64  `json:"appointment_id"`
	DoctorID      string `json:"doctor_id"`
	Name          string `json:"name"`
	Specialty     string `json:"specialty"`
}

// Snapshot is a read-only copy of the call session.
type Snapshot struct {
	State            State         `json:"state"`
	AppointmentID    int64         `json:"appointment_id,omitempty"`
	RemoteID         string        `json:"remote_id,omitempty"`
	Outgoing         bool          `json:"outgoing"`
	IncomingCallFrom *Caller       `json:"incoming_call_from,omitempty"`
	HasOffer         bool          `json:"has_offer"`
	Answered         bool          `json:"answered"`
	LocalStream      string        `json:"local_stream,omitempty"`
	RemoteTracks     []RemoteTrack `json:"remote_tracks,omitempty"`
	AudioMuted       bool          `json:"audio_muted"`
	VideoDisabled    bool          `json:"video_disabled"`
	Transport        string        `json:"transport,omitempty"`
}

// Options wires a Machine to its collaborators. Recorder may be nil.
type Options struct {
	Self       Identity
	Signaler   Signaler
	Media      MediaSource
	NewPeer    PeerFactory
	ICEServers []string
	Recorder   Recorder
}

// Machine owns the call lifecycle idle → incoming → active → idle.
//
// Every transition runs on one goroutine fed by ops; no field below the
// "loop-owned" marker is touched anywhere else.
type Machine struct {
	self    Identity
	sig     Signaler
	media   MediaSource
	newPeer PeerFactory
	ice     []string
	rec     Recorder

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
	unsubs    []func()
	records   sync.WaitGroup // in-flight Recorder writes

	listenerMu sync.Mutex
	listeners  map[chan Snapshot]struct{}

	// loop-owned
	state         State
	epoch         uint64
	appt          Appointment
	outgoing      bool
	caller        *Caller
	earlyOffer    *OfferMsg
	dismissedBy   string // doctor of the last incoming call torn down here
	pendingOffer  *webrtc.SessionDescription
	local         LocalStream
	peer          PeerConn
	remote        []RemoteTrack
	audioMuted    bool
	videoDisabled bool
	transport     string
	startedAt     int64
	answeredAt    int64
	pending       chan<- error
}

// New creates a Machine and subscribes it to every call event on opts.Signaler.
func New(opts Options) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		self:      opts.Self,
		sig:       opts.Signaler,
		media:     opts.Media,
		newPeer:   opts.NewPeer,
		ice:       opts.ICEServers,
		rec:       opts.Recorder,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		listeners: make(map[chan Snapshot]struct{}),
		state:     StateIdle,
	}
	go m.loop()

	for _, ev := range Events {
		ev := ev
		m.unsubs = append(m.unsubs, m.sig.Subscribe(ev, func(raw json.RawMessage) {
			m.postAsync(func() { m.dispatch(ev, raw) })
		}))
	}
	log.Infof("call machine ready for %s (%s)", m.self.UserID, m.self.Role)
	return m
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.ops:
			fn()
		}
	}
}

// post enqueues fn on the loop. It returns false once the machine is closed.
func (m *Machine) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// postAsync never blocks the caller; used from transport and channel callbacks.
func (m *Machine) postAsync(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	default:
		go m.post(fn)
	}
}

// do runs fn on the loop and waits for it.
func (m *Machine) do(fn func()) error {
	ran := make(chan struct{})
	if !m.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// wait blocks until a pending Start/Accept reports its outcome.
func (m *Machine) wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// ── Local actions ────────────────────────────────────────────────────────────

// StartCall rings the patient of appt. It returns once the offer has been
// published, or with the reason the attempt was abandoned.
func (m *Machine) StartCall(ctx context.Context, appt Appointment) error {
	result := make(chan error, 1)
	if err := m.do(func() { m.startCall(ctx, appt, result) }); err != nil {
		return err
	}
	return m.wait(ctx, result)
}

func (m *Machine) startCall(ctx context.Context, appt Appointment, result chan<- error) {
	switch {
	case m.self.Role != RoleDoctor:
		result <- ErrNotDoctor
		return
	case appt.PatientID == "" || (appt.DoctorID != "" && appt.DoctorID != m.self.UserID):
		result <- ErrNotParticipant
		return
	case m.state != StateIdle:
		result <- ErrBusy
		return
	}
	appt.DoctorID = m.self.UserID

	m.epoch++
	m.state = StateActive
	m.appt = appt
	m.outgoing = true
	m.earlyOffer = nil
	m.startedAt = proto.NowMillis()
	m.pending = result
	log.Infof("[%d] calling patient %s", appt.ID, appt.PatientID)
	m.notify()

	m.acquire(ctx, m.epoch, m.sendOffer)
}

// AcceptCall answers the ringing call once its offer has arrived.
func (m *Machine) AcceptCall(ctx context.Context) error {
	result := make(chan error, 1)
	if err := m.do(func() { m.acceptCall(ctx, result) }); err != nil {
		return err
	}
	return m.wait(ctx, result)
}

func (m *Machine) acceptCall(ctx context.Context, result chan<- error) {
	if m.state != StateIncoming {
		result <- ErrNoIncomingCall
		return
	}
	if m.pendingOffer == nil {
		result <- ErrNoOffer
		return
	}
	m.epoch++
	m.state = StateActive
	m.pending = result
	log.Infof("[%d] accepting call from %s", m.appt.ID, m.appt.DoctorID)
	m.notify()

	m.acquire(ctx, m.epoch, m.sendAnswer)
}

// DeclineCall dismisses the ringing call.
func (m *Machine) DeclineCall() error {
	var err error
	if e := m.do(func() {
		if m.state != StateIncoming {
			err = ErrNoIncomingCall
			return
		}
		log.Infof("[%d] declined call from %s", m.appt.ID, m.appt.DoctorID)
		m.record("declined")
		m.teardown()
	}); e != nil {
		return e
	}
	return err
}

// EndCall hangs up. With broadcast the remote side is told via end-call.
func (m *Machine) EndCall(broadcast bool) error {
	var err error
	if e := m.do(func() {
		if m.state != StateActive {
			err = ErrNotActive
			return
		}
		log.Infof("[%d] ending call (broadcast=%v)", m.appt.ID, broadcast)
		m.finish(m.endOutcome(), broadcast)
	}); e != nil {
		return e
	}
	return err
}

// ToggleAudio mutes or unmutes the microphone. Returns the new muted state.
func (m *Machine) ToggleAudio() (bool, error) {
	var muted bool
	var err error
	if e := m.do(func() {
		if m.state != StateActive || m.peer == nil {
			err = ErrNotActive
			return
		}
		if err = m.peer.SetSending(webrtc.RTPCodecTypeAudio, m.audioMuted); err != nil {
			return
		}
		m.audioMuted = !m.audioMuted
		muted = m.audioMuted
		m.notify()
	}); e != nil {
		return false, e
	}
	return muted, err
}

// ToggleVideo disables or re-enables the camera. Returns the new disabled state.
func (m *Machine) ToggleVideo() (bool, error) {
	var disabled bool
	var err error
	if e := m.do(func() {
		if m.state != StateActive || m.peer == nil {
			err = ErrNotActive
			return
		}
		if err = m.peer.SetSending(webrtc.RTPCodecTypeVideo, m.videoDisabled); err != nil {
			return
		}
		m.videoDisabled = !m.videoDisabled
		disabled = m.videoDisabled
		m.notify()
	}); e != nil {
		return false, e
	}
	return disabled, err
}

// Snapshot returns the current session. A closed machine reports idle.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{State: StateIdle}
	_ = m.do(func() { s = m.snapshot() })
	return s
}

// Subscribe streams a snapshot after every transition. Slow listeners miss
// intermediate snapshots rather than stall the machine.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close hangs up any call, unregisters every signaling handler and stops
// the loop. It returns once every call record has been written. Idempotent.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		for _, unsub := range m.unsubs {
			unsub()
		}
		_ = m.do(func() {
			switch m.state {
			case StateActive:
				m.finish(m.endOutcome(), true)
			case StateIncoming:
				m.record("cancelled")
				m.teardown()
			}
		})
		close(m.done)
		m.cancel()
		m.records.Wait()

		m.listenerMu.Lock()
		for ch := range m.listeners {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	})
}

// ── Negotiation (loop only) ──────────────────────────────────────────────────

// acquire opens the devices off the loop and resumes with next on the loop,
// unless the call identified by epoch is gone by then.
func (m *Machine) acquire(ctx context.Context, epoch uint64, next func(context.Context) error) {
	go func() {
		stream, err := m.media.Acquire(ctx)
		if !m.post(func() { m.mediaReady(ctx, epoch, stream, err, next) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (m *Machine) mediaReady(ctx context.Context, epoch uint64, stream LocalStream, err error, next func(context.Context) error) {
	if epoch != m.epoch || m.state != StateActive {
		if stream != nil {
			stream.Stop()
		}
		log.Debugf("discarding media for a call that already ended")
		return
	}
	if err != nil {
		m.fail(&Error{Op: "acquire media", Err: fmt.Errorf("%w: %v", ErrMediaUnavailable, err)})
		return
	}
	m.local = stream
	m.notify()

	if err := next(ctx); err != nil {
		m.fail(err)
		return
	}
	m.reply(nil)
}

func (m *Machine) sendOffer(ctx context.Context) error {
	peer, err := m.openPeer()
	if err != nil {
		return err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return negotiationError("create offer", err)
	}

	m.publish(ctx, EventVideoCall, VideoCallMsg{
		AppointmentID: m.appt.ID,
		PatientID:     m.appt.PatientID,
		DoctorID:      m.self.UserID,
		DoctorName:    m.self.Name,
		Specialty:     m.self.Specialty,
	})
	m.publish(ctx, EventOffer, OfferMsg{
		PatientID: m.appt.PatientID,
		DoctorID:  m.self.UserID,
		Offer:     offer,
	})
	log.Infof("[%d] offer sent to %s", m.appt.ID, m.appt.PatientID)
	return nil
}

func (m *Machine) sendAnswer(ctx context.Context) error {
	peer, err := m.openPeer()
	if err != nil {
		return err
	}
	answer, err := peer.CreateAnswer(*m.pendingOffer)
	if err != nil {
		return negotiationError("create answer", err)
	}
	m.pendingOffer = nil
	m.answeredAt = proto.NowMillis()

	m.publish(ctx, EventAnswer, AnswerMsg{
		DoctorID:  m.appt.DoctorID,
		PatientID: m.self.UserID,
		Answer:    answer,
	})
	log.Infof("[%d] answer sent to %s", m.appt.ID, m.appt.DoctorID)
	m.notify()
	return nil
}

func (m *Machine) openPeer() (PeerConn, error) {
	epoch := m.epoch
	peer, err := m.newPeer(PeerConfig{
		Label:      fmt.Sprintf("appt-%d", m.appt.ID),
		ICEServers: m.ice,
		Stream:     m.local,
		Sink: func(ev PeerEvent) {
			m.postAsync(func() { m.handlePeerEvent(epoch, ev) })
		},
	})
	if err != nil {
		return nil, negotiationError("create peer connection", err)
	}
	m.peer = peer
	return peer, nil
}

func (m *Machine) handlePeerEvent(epoch uint64, ev PeerEvent) {
	if epoch != m.epoch || m.peer == nil {
		return
	}
	switch ev.Kind {
	case PeerCandidate:
		m.publish(m.ctx, EventICECandidate, CandidateMsg{
			TargetID:  otherParticipant(m.self, m.appt),
			Candidate: ev.Candidate,
		})
	case PeerTrack:
		for _, t := range m.remote {
			if t.ID == ev.Track.ID {
				return
			}
		}
		m.remote = append(m.remote, ev.Track)
		log.Infof("[%d] remote %s track %s", m.appt.ID, ev.Track.Kind, ev.Track.ID)
		m.notify()
	case PeerState:
		m.transport = ev.State
		log.Infof("[%d] transport %s", m.appt.ID, ev.State)
		m.notify()
	}
}

// ── Inbound signaling (loop only) ────────────────────────────────────────────

func (m *Machine) dispatch(event string, raw json.RawMessage) {
	switch event {
	case EventVideoCall:
		var msg VideoCallMsg
		if m.decode(event, raw, &msg) {
			m.onRing(msg)
		}
	case EventOffer:
		var msg OfferMsg
		if m.decode(event, raw, &msg) {
			m.onOffer(msg)
		}
	case EventAnswer:
		var msg AnswerMsg
		if m.decode(event, raw, &msg) {
			m.onAnswer(msg)
		}
	case EventICECandidate:
		var msg CandidateMsg
		if m.decode(event, raw, &msg) {
			m.onCandidate(msg)
		}
	case EventEndCall:
		var msg EndCallMsg
		if m.decode(event, raw, &msg) {
			m.onEndCall(msg)
		}
	}
}

func (m *Machine) decode(event string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Warnf("malformed %s payload: %v", event, err)
		return false
	}
	return true
}

func (m *Machine) onRing(msg VideoCallMsg) {
	if !acceptsRing(m.self, m.state, msg) {
		log.Debugf("ignoring video-call for appointment %d (state %s)", msg.AppointmentID, m.state)
		return
	}
	m.epoch++
	m.state = StateIncoming
	m.outgoing = false
	m.startedAt = proto.NowMillis()
	m.appt = Appointment{
		ID:         msg.AppointmentID,
		PatientID:  msg.PatientID,
		DoctorID:   msg.DoctorID,
		DoctorName: msg.DoctorName,
		Specialty:  msg.Specialty,
	}
	m.caller = &Caller{
		AppointmentID: msg.AppointmentID,
		DoctorID:      msg.DoctorID,
		Name:          msg.DoctorName,
		Specialty:     msg.Specialty,
	}
	if early := m.earlyOffer; early != nil && early.DoctorID == msg.DoctorID {
		sd := early.Offer
		m.pendingOffer = &sd
	}
	m.earlyOffer = nil
	if m.dismissedBy == msg.DoctorID {
		m.dismissedBy = ""
	}
	log.Infof("[%d] incoming call from %s", msg.AppointmentID, msg.DoctorName)
	m.notify()
}

func (m *Machine) onOffer(msg OfferMsg) {
	switch {
	case offerForMe(m.self, m.state, m.caller, msg):
		sd := msg.Offer
		m.pendingOffer = &sd
		log.Debugf("[%d] offer attached", m.appt.ID)
		m.notify()
	case earlyOfferForMe(m.self, m.state, msg) && msg.DoctorID == m.dismissedBy:
		log.Debugf("dropping late offer from %s for a dismissed call", msg.DoctorID)
	case earlyOfferForMe(m.self, m.state, msg):
		m.earlyOffer = &msg
		log.Debugf("holding offer from %s until its ring arrives", msg.DoctorID)
	default:
		log.Debugf("ignoring webrtc-offer for %s (state %s)", msg.PatientID, m.state)
	}
}

func (m *Machine) onAnswer(msg AnswerMsg) {
	if !answerForMe(m.self, m.state, m.appt.PatientID, m.peer != nil, msg) {
		log.Debugf("ignoring webrtc-answer for %s (state %s)", msg.DoctorID, m.state)
		return
	}
	if m.answeredAt != 0 {
		log.Warnf("[%d] duplicate answer from %s ignored", m.appt.ID, msg.PatientID)
		return
	}
	if err := m.peer.ApplyRemoteAnswer(msg.Answer); err != nil {
		log.Errorf("[%d] %v", m.appt.ID, negotiationError("apply answer", err))
		m.finish("failed", true)
		return
	}
	m.answeredAt = proto.NowMillis()
	log.Infof("[%d] answer applied", m.appt.ID)
	m.notify()
}

func (m *Machine) onCandidate(msg CandidateMsg) {
	if !candidateForMe(m.self, m.state, m.peer != nil, msg) {
		log.Debugf("dropping candidate for %q (state %s)", msg.TargetID, m.state)
		return
	}
	if err := m.peer.AddRemoteCandidate(msg.Candidate); err != nil {
		log.Warnf("[%d] add remote candidate: %v", m.appt.ID, err)
	}
}

func (m *Machine) onEndCall(msg EndCallMsg) {
	switch {
	case endsActiveCall(m.state, m.appt.ID, msg):
		log.Infof("[%d] remote side ended the call", m.appt.ID)
		m.finish(m.endOutcome(), false)
	case cancelsRing(m.state, m.appt.ID, msg):
		log.Infof("[%d] caller hung up before answer", m.appt.ID)
		m.record("cancelled")
		m.teardown()
	default:
		log.Debugf("ignoring end-call for appointment %d", msg.AppointmentID)
	}
}

// ── Teardown (loop only) ─────────────────────────────────────────────────────

func (m *Machine) fail(err error) {
	log.Errorf("[%d] call attempt failed: %v", m.appt.ID, err)
	m.reply(err)
	m.finish("failed", m.peer != nil)
}

// finish optionally tells the remote side, records the attempt and returns
// to idle. The remote side never re-broadcasts, so end-call cannot loop.
func (m *Machine) finish(outcome string, broadcast bool) {
	if broadcast {
		m.publish(m.ctx, EventEndCall, EndCallMsg{AppointmentID: m.appt.ID})
	}
	m.record(outcome)
	m.teardown()
}

// teardown releases the transport and every device track in this step.
func (m *Machine) teardown() {
	m.epoch++
	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			log.Warnf("[%d] close peer connection: %v", m.appt.ID, err)
		}
		m.peer = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	if !m.outgoing && m.appt.DoctorID != "" {
		m.dismissedBy = m.appt.DoctorID
	}
	m.earlyOffer = nil
	m.state = StateIdle
	m.appt = Appointment{}
	m.outgoing = false
	m.caller = nil
	m.pendingOffer = nil
	m.remote = nil
	m.audioMuted = false
	m.videoDisabled = false
	m.transport = ""
	m.startedAt = 0
	m.answeredAt = 0
	m.reply(ErrCallCancelled)
	m.notify()
}

func (m *Machine) reply(err error) {
	if m.pending == nil {
		return
	}
	m.pending <- err
	m.pending = nil
}

func (m *Machine) endOutcome() string {
	if m.answeredAt != 0 {
		return "answered"
	}
	return "unanswered"
}

func (m *Machine) record(outcome string) {
	if m.rec == nil || m.appt.ID == 0 {
		return
	}
	direction := "incoming"
	if m.outgoing {
		direction = "outgoing"
	}
	rec := Record{
		AppointmentID: m.appt.ID,
		PatientID:     m.appt.PatientID,
		DoctorID:      m.appt.DoctorID,
		Direction:     direction,
		Outcome:       outcome,
		StartedAt:     m.startedAt,
		AnsweredAt:    m.answeredAt,
		EndedAt:       proto.NowMillis(),
	}
	m.records.Add(1)
	go func() {
		defer m.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.rec.RecordCall(ctx, rec); err != nil {
			log.Warnf("[%d] record call: %v", rec.AppointmentID, err)
		}
	}()
}

func (m *Machine) publish(ctx context.Context, event string, payload any) {
	if err := m.sig.Publish(ctx, event, payload); err != nil {
		log.Warnf("[%d] publish %s: %v", m.appt.ID, event, err)
	}
}

func (m *Machine) snapshot() Snapshot {
	s := Snapshot{
		State:         m.state,
		AppointmentID: m.appt.ID,
		Outgoing:      m.outgoing,
		HasOffer:      m.pendingOffer != nil,
		Answered:      m.answeredAt != 0,
		AudioMuted:    m.audioMuted,
		VideoDisabled: m.videoDisabled,
		Transport:     m.transport,
	}
	if m.state != StateIdle {
		s.RemoteID = otherParticipant(m.self, m.appt)
	}
	if m.state == StateIncoming && m.caller != nil {
		c := *m.caller
		s.IncomingCallFrom = &c
	}
	if m.local != nil {
		s.LocalStream = m.local.ID()
	}
	if len(m.remote) > 0 {
		s.RemoteTracks = append([]RemoteTrack(nil), m.remote...)
	}
	return s
}

func (m *Machine) notify() {
	s := m.snapshot()
	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	m.listenerMu.Unlock()
}
