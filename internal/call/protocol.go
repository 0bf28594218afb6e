package call

import "github.com/pion/webrtc/v4"

// Signaling event names on the session channel.
const (
	EventVideoCall    = "video-call"
	EventOffer        = "webrtc-offer"
	EventAnswer       = "webrtc-answer"
	EventICECandidate = "webrtc-ice-candidate"
	EventEndCall      = "end-call"
)

// Events lists every event the machine subscribes to.
var Events = []string{EventVideoCall, EventOffer, EventAnswer, EventICECandidate, EventEndCall}

// VideoCallMsg announces the ring (doctor → patient).
type VideoCallMsg struct {
	AppointmentID int64  `json:"appointmentId"`
	PatientID     string `json:"patientId"`
	DoctorID      string `json:"doctorId"`
	DoctorName    string `json:"doctorName"`
	Specialty     string `json:"specialty"`
}

// OfferMsg carries the doctor's session description.
type OfferMsg struct {
	PatientID string                    `json:"patientId"`
	DoctorID  string                    `json:"doctorId"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

// AnswerMsg carries the patient's session description.
type AnswerMsg struct {
	DoctorID  string                    `json:"doctorId"`
	PatientID string                    `json:"patientId"`
	Answer    webrtc.SessionDescription `json:"answer"`
}

// CandidateMsg trickles one ICE candidate to TargetID.
type CandidateMsg struct {
	TargetID  string                  `json:"targetId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// EndCallMsg tears down the call for AppointmentID on both sides.
type EndCallMsg struct {
	AppointmentID int64 `json:"appointmentId"`
}
