package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/logtail"
	"github.com/petervdpas/callcore/internal/state"
	"github.com/petervdpas/callcore/internal/viewer/routes"
	"github.com/rs/cors"
)

var log = logging.Logger("viewer")

// Viewer is the local HTTP surface a UI drives calls through.
type Viewer struct {
	Calls *call.Manager // nil disables every call route except /api/call/mode
	Logs  *logtail.Buffer
	Peers *state.PeerTable // p2p mode only

	// AllowedOrigins lists browser origins allowed to call the API; empty
	// means same-origin only.
	AllowedOrigins []string

	// Debug exposes /api/call/debug.
	Debug bool
}

// Handler builds the API handler for v.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	routes.RegisterCall(mux, v.Calls, v.Debug)
	if v.Logs != nil {
		routes.RegisterLogs(mux, v.Logs)
	}
	if v.Peers != nil {
		routes.RegisterPeers(mux, v.Peers)
	}

	opts := cors.Options{
		AllowedOrigins: v.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}
	if len(v.AllowedOrigins) == 0 {
		// cors treats an empty list as "*"
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(opts).Handler(noCache(mux))
}

// Start serves v on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: the event routes are long-lived streams
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("VIEWER: listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// open SSE streams keep Shutdown waiting; cut them
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Infof("VIEWER: stopped")
	return nil
}
