package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"warden.gg/internal/audit"
)

// Append inserts one audit record. The trail is append-only: nothing in the
// engine updates or deletes these rows, and nothing reads them back on the
// decision path.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	rec = audit.Normalize(ctx, rec, s.now())

	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		insert into audit_records (id, correlation_id, action, actor_kind, actor_id,
			target_kind, target_id, decision, before_state, after_state, metadata,
			severity, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.CorrelationID, rec.Action, rec.Actor.Kind, rec.Actor.ID,
		rec.Target.Kind, rec.Target.ID, rec.Decision, nullJSON(rec.Before),
		nullJSON(rec.After), nullJSON(meta), rec.Severity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
