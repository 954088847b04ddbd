package httpapi

import (
	"encoding/json"
	"net/http"

	"warden.gg/internal/auth"
)

// Stream tails the audit trail over Server-Sent Events. Operators watch
// grant mutations and security denials land in real time; the write path is
// never blocked by a slow watcher, it just drops frames for that watcher.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requireScope(r, auth.ScopeRead); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if a.trail == nil {
		respondError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := a.trail.Subscribe(r.Context())
	for rec := range ch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: audit\ndata: ")); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
