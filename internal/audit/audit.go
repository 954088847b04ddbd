package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"warden.gg/internal/ids"
)

// EntityKind is the closed set of actor/target kinds appearing in the trail.
type EntityKind string

const (
	EntityChatAccount EntityKind = "chat_account"
	EntityGameAccount EntityKind = "game_account"
	EntitySystem      EntityKind = "system"
)

// Entity identifies one side of an audited action: who acted, or what was
// acted on.
type Entity struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// ChatAccount tags a chat-platform account.
func ChatAccount(id string) Entity { return Entity{Kind: EntityChatAccount, ID: id} }

// GameAccount tags a game identity.
func GameAccount(id string) Entity { return Entity{Kind: EntityGameAccount, ID: id} }

// System tags the engine itself as the actor of an internal action.
func System() Entity { return Entity{Kind: EntitySystem, ID: "warden"} }

// Severity grades a record.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Record is one append-only audit entry. Every resolution, grant mutation and
// security denial produces exactly one.
type Record struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Action        string            `json:"action"`
	Actor         Entity            `json:"actor"`
	Target        Entity            `json:"target"`
	Decision      string            `json:"decision,omitempty"`
	Before        json.RawMessage   `json:"before,omitempty"`
	After         json.RawMessage   `json:"after,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Severity      Severity          `json:"severity"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Recorder appends records to the trail. Implementations must be safe for
// concurrent use; the write path never reads the trail back.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

// Nop discards every record. Test fixture.
type Nop struct{}

func (Nop) Append(context.Context, Record) error { return nil }

type ctxKey string

const correlationKey ctxKey = "audit_correlation_id"

// WithCorrelationID attaches the correlation identifier to the context so
// every record written while handling one request or event shares it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationIDFromContext extracts the correlation id if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// Normalize fills the bookkeeping fields a caller may leave empty: record id,
// correlation id (from ctx, or freshly minted), severity and creation time.
func Normalize(ctx context.Context, rec Record, now time.Time) Record {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CorrelationID == "" {
		if cid := CorrelationIDFromContext(ctx); cid != "" {
			rec.CorrelationID = cid
		} else {
			rec.CorrelationID = ids.NewCorrelation()
		}
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	return rec
}

// JSONState marshals a value for the before/after columns, swallowing
// marshal failures into a null state rather than failing the audited action.
func JSONState(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
