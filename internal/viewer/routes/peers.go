// internal/viewer/routes/peers.go

package routes

import (
	"net/http"

	"github.com/petervdpas/callcore/internal/state"
)

// RegisterPeers adds GET /api/call/peers, the peers a p2p node can call.
func RegisterPeers(mux *http.ServeMux, peers *state.PeerTable) {
	handleGet(mux, "/api/call/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"peers": peers.List()})
	})
}
