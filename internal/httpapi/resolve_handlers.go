package httpapi

import (
	"net/http"
	"strings"

	"warden.gg/internal/auth"
	"warden.gg/internal/authority"
)

// handleResolve answers "may this game account join right now" as JSON. The
// optional live_group query parameter supplies fresh role evidence when the
// caller has just observed a transition the store may not reflect yet.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requireScope(r, auth.ScopeRead); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	gameAccountID := strings.TrimPrefix(r.URL.Path, "/v1/resolve/")
	if gameAccountID == "" || strings.Contains(gameAccountID, "/") {
		http.NotFound(w, r)
		return
	}

	d, err := a.resolver.Resolve(r.Context(), authority.Request{
		GameAccountID: gameAccountID,
		Group:         r.URL.Query().Get("live_group"),
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
