package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"warden.gg/internal/auth"
	"warden.gg/internal/grant"
)

type createGrantRequest struct {
	GameAccountID string `json:"game_account_id"`
	ChatAccountID string `json:"chat_account_id,omitempty"`
	Type          string `json:"type"`
	Source        string `json:"source,omitempty"`
	DurationUnit  string `json:"duration_unit"`
	DurationValue int    `json:"duration_value,omitempty"`
	GrantedBy     string `json:"granted_by"`
	Reason        string `json:"reason,omitempty"`
	GameName      string `json:"game_name,omitempty"`
	ChatName      string `json:"chat_name,omitempty"`
}

type revokeGrantRequest struct {
	GrantID       string `json:"grant_id,omitempty"`
	GameAccountID string `json:"game_account_id,omitempty"`
	Type          string `json:"type,omitempty"`
	RevokedBy     string `json:"revoked_by"`
	Reason        string `json:"reason,omitempty"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeAdmin); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req createGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.GrantedBy) == "" {
		respondError(w, http.StatusBadRequest, "granted_by is required")
		return
	}

	g, err := a.grants.Create(r.Context(), grant.CreateParams{
		GameAccountID: req.GameAccountID,
		ChatAccountID: req.ChatAccountID,
		Type:          grant.Type(req.Type),
		Source:        grant.Source(req.Source),
		Duration:      grant.Duration{Unit: grant.DurationUnit(req.DurationUnit), Value: req.DurationValue},
		GrantedBy:     req.GrantedBy,
		Reason:        req.Reason,
		GameName:      req.GameName,
		ChatName:      req.ChatName,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.feed.Invalidate()
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeAdmin); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req revokeGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RevokedBy) == "" {
		respondError(w, http.StatusBadRequest, "revoked_by is required")
		return
	}

	revoked, err := a.grants.Revoke(r.Context(), grant.RevokeParams{
		GrantID:       req.GrantID,
		GameAccountID: req.GameAccountID,
		Type:          grant.Type(req.Type),
		RevokedBy:     req.RevokedBy,
		Reason:        req.Reason,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.feed.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// handleGrantItem reports the active grants a game account holds, split by
// provenance the same way the resolver reads them.
func (a *API) handleGrantItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requireScope(r, auth.ScopeRead); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	gameAccountID := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	if gameAccountID == "" || strings.Contains(gameAccountID, "/") {
		http.NotFound(w, r)
		return
	}

	payload := map[string]any{"game_account_id": gameAccountID}

	db, err := a.grants.ActiveDatabase(r.Context(), gameAccountID)
	switch {
	case err == nil:
		payload["database"] = db
	case !errors.Is(err, grant.ErrNotFound):
		handleDomainError(w, err)
		return
	}

	role, err := a.grants.ActiveRole(r.Context(), gameAccountID)
	switch {
	case err == nil:
		payload["role"] = role
	case !errors.Is(err, grant.ErrNotFound):
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}
