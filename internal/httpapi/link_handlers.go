package httpapi

import (
	"net/http"
	"time"

	"warden.gg/internal/auth"
	"warden.gg/internal/identity"
)

type upsertLinkRequest struct {
	ChatAccountID string  `json:"chat_account_id"`
	GameAccountID string  `json:"game_account_id"`
	Source        string  `json:"source,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	GameName      string  `json:"game_name,omitempty"`
	ChatName      string  `json:"chat_name,omitempty"`
	ActorID       string  `json:"actor_id,omitempty"`
}

type issueCodeRequest struct {
	GameAccountID string `json:"game_account_id"`
	GameName      string `json:"game_name,omitempty"`
}

type redeemCodeRequest struct {
	ChatAccountID string `json:"chat_account_id"`
	ChatName      string `json:"chat_name,omitempty"`
	Code          string `json:"code"`
}

// handleLinks records a link assertion. The default source is admin manual
// entry; the registry rejects confidence values that do not match the
// source, so a caller cannot smuggle a verified-grade link through here.
func (a *API) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeAdmin); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req upsertLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = string(identity.SourceAdminManual)
	}

	link, err := a.links.Upsert(r.Context(), identity.UpsertParams{
		ChatAccountID: req.ChatAccountID,
		GameAccountID: req.GameAccountID,
		Source:        identity.Source(req.Source),
		Confidence:    identity.Confidence(req.Confidence),
		GameName:      req.GameName,
		ChatName:      req.ChatName,
		ActorID:       req.ActorID,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.feed.Invalidate()
	writeJSON(w, http.StatusCreated, link)
}

func (a *API) handleVerifyIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeAdmin); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req issueCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, expires, err := a.links.IssueCode(r.Context(), req.GameAccountID, req.GameName)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":       code,
		"expires_at": expires.Format(time.RFC3339),
	})
}

func (a *API) handleVerifyRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeAdmin); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req redeemCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := a.links.Redeem(r.Context(), req.ChatAccountID, req.ChatName, req.Code)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.feed.Invalidate()
	writeJSON(w, http.StatusOK, link)
}
