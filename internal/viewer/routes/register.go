// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/telehealth/internal/call"
	"github.com/petervdpas/telehealth/internal/signaling"
	"github.com/petervdpas/telehealth/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Session is one bound identity with its call machine and signaling channel.
type Session interface {
	Identity() call.Identity
	Machine() *call.Machine
	Backend() string
	Recent() []signaling.Message
	// Diag is nil unless the backend has something to report.
	Diag() map[string]any
}

type Deps struct {
	// Current returns the live session, or nil while it is being rebuilt.
	Current func() Session
	DB      *storage.DB
	Logs    Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSelfRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerAppointmentRoutes(mux, d)
}

// session writes a 503 and returns nil when no session is bound.
func session(w http.ResponseWriter, d Deps) Session {
	var s Session
	if d.Current != nil {
		s = d.Current()
	}
	if s == nil {
		http.Error(w, "session not ready", http.StatusServiceUnavailable)
	}
	return s
}
