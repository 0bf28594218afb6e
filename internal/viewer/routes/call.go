package routes

import (
	"net/http"

	"github.com/petervdpas/telehealth/internal/call"
)

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		s := session(w, d)
		if s == nil {
			return
		}
		writeJSON(w, s.Machine().Snapshot())
	})

	// GET /api/call/debug — snapshot plus the recent signaling traffic.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		s := session(w, d)
		if s == nil {
			return
		}
		writeJSON(w, map[string]any{
			"backend":  s.Backend(),
			"snapshot": s.Machine().Snapshot(),
			"signals":  s.Recent(),
		})
	})

	// GET /api/call/events — SSE stream of snapshots. The stream ends when
	// the session is rebuilt; clients reconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		s := session(w, d)
		if s == nil {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		m := s.Machine()
		ch, cancel := m.Subscribe()
		defer cancel()

		sseHeaders(w)
		_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
		_ = writeSSE(w, "call", m.Snapshot())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if writeSSE(w, "call", snap) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// POST /api/call/start {appointment_id}
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		AppointmentID int64 `json:"appointment_id"`
	}) {
		if req.AppointmentID <= 0 {
			http.Error(w, "missing appointment_id", http.StatusBadRequest)
			return
		}
		s := session(w, d)
		if s == nil {
			return
		}
		if d.DB == nil {
			http.Error(w, "no appointment store", http.StatusServiceUnavailable)
			return
		}
		appt, err := d.DB.Appointment(r.Context(), req.AppointmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Machine().StartCall(r.Context(), appt.Participants()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "ringing", "appointment_id": appt.ID})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := session(w, d)
		if s == nil {
			return
		}
		if err := s.Machine().AcceptCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		callAction(w, d, "declined", (*call.Machine).DeclineCall)
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		callAction(w, d, "ended", func(m *call.Machine) error { return m.EndCall(true) })
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := session(w, d)
		if s == nil {
			return
		}
		muted, err := s.Machine().ToggleAudio()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s := session(w, d)
		if s == nil {
			return
		}
		disabled, err := s.Machine().ToggleVideo()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})
}

func callAction(w http.ResponseWriter, d Deps, status string, fn func(*call.Machine) error) {
	s := session(w, d)
	if s == nil {
		return
	}
	if err := fn(s.Machine()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": status})
}
