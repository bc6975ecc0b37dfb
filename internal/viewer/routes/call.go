package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/callcore/internal/call"
)

// actionTimeout bounds call actions that wait on devices or signaling.
const actionTimeout = 15 * time.Second

// RegisterCall registers the call API endpoints.
// callMgr may be nil (no signaling configured); then only GET /api/call/mode
// is registered and reports {"mode":"disabled"}.
func RegisterCall(mux *http.ServeMux, callMgr *call.Manager, debug bool) {
	// GET /api/call/mode, always registered.
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		if callMgr == nil {
			writeJSON(w, map[string]any{"mode": "disabled"})
			return
		}
		writeJSON(w, map[string]any{
			"mode":      "native",
			"self_id":   callMgr.SelfID(),
			"signaling": callMgr.Connected(),
		})
	})

	if callMgr == nil {
		return
	}

	// GET /api/call/debug: live session status for testing without a UI.
	if debug {
		handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
			out := map[string]any{
				"self_id":   callMgr.SelfID(),
				"signaling": callMgr.Connected(),
				"pending":   callMgr.Pending(),
			}
			if s, ok := callMgr.Active(); ok {
				out["session"] = s.Status()
			}
			writeJSON(w, out)
		})
	}

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemoteID string `json:"remote_id"`
		CallType string `json:"call_type"`
	}) {
		if req.RemoteID == "" {
			http.Error(w, "missing remote_id", http.StatusBadRequest)
			return
		}
		if req.CallType == "" {
			req.CallType = string(call.CallAudio)
		}
		ct, ok := call.ParseCallType(req.CallType)
		if !ok {
			http.Error(w, fmt.Sprintf("invalid call_type %q", req.CallType), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()

		s, err := callMgr.PlaceCall(ctx, req.RemoteID, ct)
		if err != nil {
			writeCallError(w, "start call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "call_id": s.CallID()})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		inv, ok := findPending(callMgr, req.CallID)
		if !ok {
			writeCallError(w, "accept call", call.ErrNoIncomingCall)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()

		s, err := callMgr.AcceptIncoming(ctx, inv)
		if err != nil {
			writeCallError(w, "accept call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": s.CallID()})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
		Reason string `json:"reason"`
	}) {
		inv, ok := findPending(callMgr, req.CallID)
		if !ok {
			writeCallError(w, "reject call", call.ErrNoIncomingCall)
			return
		}
		if err := callMgr.RejectIncoming(r.Context(), inv, req.Reason); err != nil {
			writeCallError(w, "reject call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		s, ok := callMgr.Session(req.CallID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		s.EndCall(r.Context(), "")
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		s, ok := callMgr.Session(req.CallID)
		if !ok {
			writeCallError(w, "toggle audio", call.ErrNoSession)
			return
		}
		muted, err := s.ToggleMic(r.Context())
		if err != nil {
			writeCallError(w, "toggle audio", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	// A camera that fails to start is not an HTTP error: the call carries on
	// with audio and the response says why video stayed off.
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		s, ok := callMgr.Session(req.CallID)
		if !ok {
			writeCallError(w, "toggle video", call.ErrNoSession)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()

		disabled, err := s.ToggleVideo(ctx)
		switch k := call.KindOf(err); {
		case err == nil:
			writeJSON(w, map[string]any{"disabled": disabled})
		case k == call.KindPermissionDenied || k == call.KindDeviceUnavailable:
			writeJSON(w, map[string]any{"disabled": true, "error": string(k)})
		default:
			writeCallError(w, "toggle video", err)
		}
	})

	// GET /api/call/events, SSE: incoming invites and cancellations.
	// Pending invites are replayed first so a freshly opened UI can ring.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		inCh, cancel := callMgr.SubscribeIncoming()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()
		for _, ic := range callMgr.Pending() {
			if err := writeEvent(w, flusher, "invite", ic); err != nil {
				return
			}
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-inCh:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, ev.Type, ev.Call); err != nil {
					log.Debugf("VIEWER: call events: %v", err)
					return
				}
			}
		}
	})

	// GET /api/call/session/{id}/events, SSE: the session's status stream,
	// starting with the current status; ends after the final status.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			http.Error(w, "invalid path, expected /api/call/session/{id}/events", http.StatusBadRequest)
			return
		}
		s, ok := callMgr.Session(parts[0])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := s.Subscribe()
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, "status", statusPayload(s.CallID(), ev)); err != nil {
					return
				}
			}
		}
	})
}

func findPending(m *call.Manager, callID string) (call.IncomingCall, bool) {
	for _, ic := range m.Pending() {
		if ic.CallID == callID {
			return ic, true
		}
	}
	return call.IncomingCall{}, false
}

func statusPayload(callID string, ev call.StatusEvent) map[string]any {
	out := map[string]any{
		"call_id":               callID,
		"status":                ev.Display(),
		"call_type":             ev.CallType,
		"remote_video_disabled": ev.RemoteVideoDisabled,
		"remote_muted":          ev.RemoteMuted,
		"at":                    ev.At,
	}
	if ev.Reason != "" {
		out["reason"] = ev.Reason
	}
	if ev.Notice != "" {
		out["notice"] = ev.Notice
	}
	return out
}

// writeCallError maps call errors onto HTTP status codes.
func writeCallError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallActive):
		code = http.StatusConflict
	case errors.Is(err, call.ErrNoIncomingCall), errors.Is(err, call.ErrNoSession):
		code = http.StatusNotFound
	default:
		switch call.KindOf(err) {
		case call.KindSignalingUnavailable:
			code = http.StatusServiceUnavailable
		case call.KindPermissionDenied:
			code = http.StatusForbidden
		case call.KindDeviceUnavailable:
			code = http.StatusFailedDependency
		case call.KindNegotiationFailed:
			code = http.StatusBadGateway
		}
	}
	log.Infof("VIEWER: %s: %v", op, err)
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), code)
}
