package proto

import "time"

const (
	MdnsTag = "telehealth-mdns"

	// gossipsub topic prefix; the session scope is appended
	SignalTopicPrefix = "/telehealth/signal/1.0.0/"

	// NATS subject prefix; the sanitized session scope is appended
	SignalSubjectPrefix = "telehealth.signal."

	// relay server WebSocket endpoint
	RelayPath = "/ws"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
