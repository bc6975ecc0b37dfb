// internal/viewer/routes/api_logs.go

package routes

import (
	"net/http"

	"github.com/petervdpas/callcore/internal/logtail"
)

func logFilter(r *http.Request) logtail.Filter {
	q := r.URL.Query()
	return logtail.Filter{Subsystem: q.Get("subsystem"), MinLevel: q.Get("level")}
}

// RegisterLogs adds GET /api/logs and GET /api/logs/stream, both filtered
// by the optional subsystem and level query parameters.
func RegisterLogs(mux *http.ServeMux, logs *logtail.Buffer) {
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logs.Snapshot(logFilter(r)))
	})

	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		f := logFilter(r)
		ch, cancel := logs.Subscribe()
		defer cancel()

		sseHeaders(w)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case l, ok := <-ch:
				if !ok {
					return
				}
				if !f.Match(l) {
					continue
				}
				if writeEvent(w, flusher, "log", l) != nil {
					return
				}
			}
		}
	})
}
