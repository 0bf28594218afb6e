package call

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/telehealth/internal/proto"
)

// Signaler is the only surface the call package needs from the signaling
// layer. Every signaling.Channel backend satisfies it.
type Signaler interface {
	// Subscribe registers fn for one named event. The returned func removes it.
	Subscribe(event string, fn func(payload json.RawMessage)) (cancel func())
	// Publish is best-effort; the caller never receives its own messages.
	Publish(ctx context.Context, event string, payload any) error
}

// MediaSource acquires the local camera and microphone.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// LocalStream is a captured device stream. Stop releases the device and is
// safe to call more than once.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
	Live() bool
}

// PeerFactory builds the transport for one call. Events produced by the
// connection are delivered to cfg.Sink.
type PeerFactory func(cfg PeerConfig) (PeerConn, error)

// PeerConn is the Peer Connection Manager surface the machine drives.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	SetSending(kind webrtc.RTPCodecType, on bool) error
	Close() error
}

// PeerConfig is handed to a PeerFactory.
type PeerConfig struct {
	Label      string
	ICEServers []string
	Stream     LocalStream
	Sink       func(PeerEvent)
}

// PeerEventKind enumerates what a PeerConn reports back.
type PeerEventKind int

const (
	PeerCandidate PeerEventKind = iota + 1
	PeerTrack
	PeerState
)

// PeerEvent is one asynchronous report from the transport.
type PeerEvent struct {
	Kind      PeerEventKind
	Candidate webrtc.ICECandidateInit
	Track     RemoteTrack
	State     string
}

// RemoteTrack describes one inbound media track.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}

// Recorder receives one record per call attempt.
type Recorder interface {
	RecordCall(ctx context.Context, rec Record) error
}

// Record is a finished call attempt as seen by this participant.
type Record struct {
	AppointmentID int64
	PatientID     string
	DoctorID      string
	Direction     string // "outgoing" | "incoming"
	Outcome       string // "answered" | "declined" | "failed" | "unanswered" | "cancelled"
	StartedAt     int64
	AnsweredAt    int64
	EndedAt       int64
}

// Role of the local participant.
type Role string

const (
	RoleDoctor  Role = proto.RoleDoctor
	RolePatient Role = proto.RolePatient
)

// Identity is the authenticated local participant.
type Identity struct {
	UserID    string
	Role      Role
	Name      string
	Specialty string
}

// Appointment supplies the participants of a call.
type Appointment struct {
	ID          int64
	PatientID   string
	DoctorID    string
	PatientName string
	DoctorName  string
	Specialty   string
}
