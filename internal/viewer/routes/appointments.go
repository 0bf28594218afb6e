package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/petervdpas/telehealth/internal/call"
	"github.com/petervdpas/telehealth/internal/storage"
)

func registerAppointmentRoutes(mux *http.ServeMux, d Deps) {
	if d.DB == nil {
		return
	}

	// GET /api/appointments — the local user's appointments.
	handleGet(mux, "/api/appointments", func(w http.ResponseWriter, r *http.Request) {
		s := session(w, d)
		if s == nil {
			return
		}
		list, err := d.DB.ListAppointments(r.Context(), s.Identity().UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []storage.Appointment{}
		}
		writeJSON(w, list)
	})

	// GET       /api/appointments/{id}
	// GET, POST /api/appointments/{id}/notes
	mux.HandleFunc("/api/appointments/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/appointments/"), "/")
		parts := strings.Split(tail, "/")
		id, ok := parseID(parts[0])
		if !ok || len(parts) > 2 || (len(parts) == 2 && parts[1] != "notes") {
			http.Error(w, "expected /api/appointments/{id} or /api/appointments/{id}/notes", http.StatusNotFound)
			return
		}
		s := session(w, d)
		if s == nil {
			return
		}
		appt, err := d.DB.Appointment(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		self := s.Identity()
		if appt.PatientID != self.UserID && appt.DoctorID != self.UserID {
			// Other people's appointments are not disclosed.
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, appt)
			return
		}

		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]any{"appointment_id": appt.ID, "notes": appt.Notes})
		case http.MethodPost:
			if self.Role != call.RoleDoctor || appt.DoctorID != self.UserID {
				http.Error(w, "only the treating doctor can write notes", http.StatusForbidden)
				return
			}
			var req struct {
				Notes string `json:"notes"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if err := d.DB.SaveNotes(r.Context(), appt.ID, req.Notes); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"status": "saved", "appointment_id": appt.ID})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// GET /api/calls?appointment_id=&limit=
	handleGet(mux, "/api/calls", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var apptID int64
		if v := q.Get("appointment_id"); v != "" {
			id, ok := parseID(v)
			if !ok {
				http.Error(w, "bad appointment_id", http.StatusBadRequest)
				return
			}
			apptID = id
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		rows, err := d.DB.CallHistory(r.Context(), apptID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if rows == nil {
			rows = []storage.CallRow{}
		}
		writeJSON(w, rows)
	})
}
