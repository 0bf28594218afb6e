package routes

import "net/http"

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self — who this node is signed in as.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		s := session(w, d)
		if s == nil {
			return
		}
		id := s.Identity()
		out := map[string]any{
			"user_id":   id.UserID,
			"role":      id.Role,
			"name":      id.Name,
			"specialty": id.Specialty,
			"backend":   s.Backend(),
		}
		if diag := s.Diag(); diag != nil {
			out["diag"] = diag
		}
		writeJSON(w, out)
	})
}
