package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"warden.gg/internal/audit"
	"warden.gg/internal/ids"
)

// Store persists identity links. Implementations must make UpsertPrimary
// atomic: demoting the previous primary and writing the new one either both
// happen or neither does.
type Store interface {
	UpsertPrimary(ctx context.Context, link Link) (Link, error)
	PrimaryByChatAccount(ctx context.Context, chatAccountID string) (Link, error)
	BestByGameAccount(ctx context.Context, gameAccountID string) (Link, error)
	ListByChatAccount(ctx context.Context, chatAccountID string) ([]Link, error)
}

// Registry owns the identity-link table: who on chat controls which game
// account, and how sure we are.
type Registry struct {
	store Store
	rec   audit.Recorder
	now   func() time.Time
	codes *codeVault
}

// NewRegistry builds a registry over the given store. A nil recorder drops
// audit output; a nil clock falls back to time.Now.
func NewRegistry(store Store, rec audit.Recorder, now func() time.Time) *Registry {
	if rec == nil {
		rec = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store: store,
		rec:   rec,
		now:   now,
		codes: newCodeVault(now),
	}
}

// ParseGameAccountID validates and canonicalizes a game identity (UUID,
// lowercase dashed form).
func ParseGameAccountID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidGameAccountID, raw)
	}
	return id.String(), nil
}

// ParseChatAccountID validates a chat-platform account id (decimal snowflake).
func ParseChatAccountID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidChatAccountID, raw)
	}
	return strconv.FormatUint(n, 10), nil
}

// UpsertParams carries one link assertion into the registry.
type UpsertParams struct {
	ChatAccountID string
	GameAccountID string
	Source        Source
	Confidence    Confidence
	GameName      string
	ChatName      string
	// ActorID names the operator asserting the link. Empty means the
	// engine itself (verification flow, imports).
	ActorID string
}

// Upsert records a link and promotes it to the chat account's primary,
// demoting any previous primary in the same transaction. Malformed ids and
// confidence values that do not match the source are rejected before any
// write.
func (r *Registry) Upsert(ctx context.Context, p UpsertParams) (Link, error) {
	chatID, err := ParseChatAccountID(p.ChatAccountID)
	if err != nil {
		return Link{}, err
	}
	gameID, err := ParseGameAccountID(p.GameAccountID)
	if err != nil {
		return Link{}, err
	}
	if !p.Source.Valid() {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidSource, p.Source)
	}
	fixed, _ := p.Source.Confidence()
	if p.Confidence == 0 {
		p.Confidence = fixed
	}
	if p.Confidence != fixed {
		return Link{}, fmt.Errorf("%w: source %s carries %.1f, got %.1f", ErrInvalidConfidence, p.Source, float64(fixed), float64(p.Confidence))
	}

	link := Link{
		ID:            ids.New(),
		ChatAccountID: chatID,
		GameAccountID: gameID,
		Confidence:    p.Confidence,
		Source:        p.Source,
		Primary:       true,
		GameName:      strings.TrimSpace(p.GameName),
		ChatName:      strings.TrimSpace(p.ChatName),
		CreatedAt:     r.now().UTC(),
	}

	stored, err := r.store.UpsertPrimary(ctx, link)
	if err != nil {
		return Link{}, err
	}

	actor := audit.System()
	if p.ActorID != "" {
		actor = audit.ChatAccount(p.ActorID)
	}
	r.rec.Append(ctx, audit.Record{
		Action:   "identity.link.upsert",
		Actor:    actor,
		Target:   audit.GameAccount(gameID),
		Decision: "linked",
		After:    audit.JSONState(stored),
		Metadata: map[string]string{
			"chat_account_id": chatID,
			"source":          string(p.Source),
			"confidence":      strconv.FormatFloat(float64(p.Confidence), 'f', 1, 64),
		},
		CreatedAt: r.now().UTC(),
	})

	return stored, nil
}

// ResolvePrimary returns the primary link for a chat account, or ErrNotFound
// when the account has never linked.
func (r *Registry) ResolvePrimary(ctx context.Context, chatAccountID string) (Link, error) {
	chatID, err := ParseChatAccountID(chatAccountID)
	if err != nil {
		return Link{}, err
	}
	return r.store.PrimaryByChatAccount(ctx, chatID)
}

// BestByGameAccount returns the highest-confidence link for a game identity.
// Ties break toward the most recently created link.
func (r *Registry) BestByGameAccount(ctx context.Context, gameAccountID string) (Link, error) {
	gameID, err := ParseGameAccountID(gameAccountID)
	if err != nil {
		return Link{}, err
	}
	return r.store.BestByGameAccount(ctx, gameID)
}

// ListByChatAccount returns every link a chat account holds, strongest and
// newest first.
func (r *Registry) ListByChatAccount(ctx context.Context, chatAccountID string) ([]Link, error) {
	chatID, err := ParseChatAccountID(chatAccountID)
	if err != nil {
		return nil, err
	}
	return r.store.ListByChatAccount(ctx, chatID)
}
