package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"warden.gg/internal/obs"
)

// LogRecorder appends records as JSON lines through the process logger. It is
// the sink of last resort: always available, even before storage comes up.
type LogRecorder struct {
	now func() time.Time
}

// NewLogRecorder builds a recorder on the shared logger. A nil clock falls
// back to time.Now.
func NewLogRecorder(now func() time.Time) *LogRecorder {
	if now == nil {
		now = time.Now
	}
	return &LogRecorder{now: now}
}

// Append writes one audit line enriched with the correlation context.
func (l *LogRecorder) Append(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("audit: action is required")
	}
	rec = Normalize(ctx, rec, l.now())

	entry := map[string]any{
		"ts":             rec.CreatedAt.Format(time.RFC3339Nano),
		"type":           "audit",
		"id":             rec.ID,
		"correlation_id": rec.CorrelationID,
		"event":          rec.Action,
		"actor":          rec.Actor,
		"target":         rec.Target,
		"severity":       rec.Severity,
	}
	if rec.Decision != "" {
		entry["decision"] = rec.Decision
	}
	if len(rec.Before) > 0 {
		entry["before"] = rec.Before
	}
	if len(rec.After) > 0 {
		entry["after"] = rec.After
	}
	if len(rec.Metadata) > 0 {
		entry["metadata"] = rec.Metadata
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
