package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/petervdpas/telehealth/internal/proto"
	"github.com/petervdpas/telehealth/internal/signaling"
	"github.com/petervdpas/telehealth/internal/util"
)

// RunRelay serves the signaling relay on addr until ctx is done.
func RunRelay(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeRelay(ctx, ln)
}

// ServeRelay is RunRelay on an existing listener.
func ServeRelay(ctx context.Context, ln net.Listener) error {
	rs := signaling.NewRelayServer()
	go rs.Run(ctx)

	srv := &http.Server{Handler: rs.Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("relay listening on ws://%s%s", ln.Addr(), proto.RelayPath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
