package httpapi

import (
	"net/http"

	"warden.gg/internal/auth"
	"warden.gg/internal/rolesync"
)

// roleChangeRequest mirrors the gateway's transition payload. The member
// snapshot's role set is authoritative; previous_group and new_group are the
// gateway's own reading of the transition and are only used as a fallback
// when the snapshot is missing.
type roleChangeRequest struct {
	ChatAccountID  string `json:"chat_account_id"`
	GuildID        string `json:"guild_id,omitempty"`
	PreviousGroup  string `json:"previous_group,omitempty"`
	NewGroup       string `json:"new_group,omitempty"`
	MemberSnapshot *struct {
		DisplayName string   `json:"display_name,omitempty"`
		Username    string   `json:"username,omitempty"`
		RoleIDs     []string `json:"role_ids"`
	} `json:"member_snapshot,omitempty"`
}

func (a *API) handleRoleChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireScope(r, auth.ScopeSync); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req roleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := rolesync.Event{ChatAccountID: req.ChatAccountID}
	if req.MemberSnapshot != nil {
		ev.RoleIDs = req.MemberSnapshot.RoleIDs
		ev.ChatName = req.MemberSnapshot.DisplayName
		if ev.ChatName == "" {
			ev.ChatName = req.MemberSnapshot.Username
		}
	} else if req.NewGroup != "" {
		if m, ok := a.roles.ByGroup(req.NewGroup); ok {
			ev.RoleIDs = []string{m.RoleID}
		}
	}

	res, err := a.sync.Apply(r.Context(), ev)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUnverifiedStaff lists accounts holding a staff role that the engine
// refuses to whitelist until their identity link is self-verified.
func (a *API) handleUnverifiedStaff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requireScope(r, auth.ScopeRead); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	entries := a.sync.Unverified()
	if entries == nil {
		entries = []rolesync.UnverifiedStaff{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
