package viewer

import (
	"context"
	"errors"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/telehealth/internal/storage"
	"github.com/petervdpas/telehealth/internal/util"
	"github.com/petervdpas/telehealth/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	// Current returns the live session, or nil while it is being rebuilt.
	Current func() routes.Session

	DB   *storage.DB
	Logs *LogBuffer

	// Emits request lines at debug level.
	Debug bool
}

// Handler returns the local API. Every response is marked uncacheable.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Current: v.Current,
		DB:      v.DB,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	var h http.Handler = mux
	if v.Debug {
		h = logRequests(h)
	}
	return noCache(h)
}

// Start serves the local API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{Addr: addr, Handler: Handler(v)}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("viewer listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}
