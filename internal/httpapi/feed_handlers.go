package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"warden.gg/internal/feed"
)

// handleFeed serves one polled tier as plain text. Failures after the first
// successful generation are absorbed by the cache's stale fallback, so the
// game server only ever sees an error before any snapshot has been built.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}

	tier, ok := feed.ParseTier(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	text, err := a.feed.Get(r.Context(), tier)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(a.feed.TTL().Seconds())))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(text)
}
