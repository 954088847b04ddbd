package audit

import (
	"context"
	"sync"
	"time"

	"warden.gg/internal/obs"
)

// Tee fans every record out to a list of recorders and to any live
// subscribers (SSE clients watching the trail). The first recorder error is
// returned; later sinks still receive the record.
type Tee struct {
	sinks []Recorder

	mu   sync.RWMutex
	subs map[int]chan Record
	next int
}

// NewTee wires the given sinks together. Order matters only for which error
// wins when several sinks fail.
func NewTee(sinks ...Recorder) *Tee {
	return &Tee{
		sinks: sinks,
		subs:  make(map[int]chan Record),
	}
}

// Append normalizes once so every sink and subscriber sees identical ids and
// timestamps, then delivers.
func (t *Tee) Append(ctx context.Context, rec Record) error {
	rec = Normalize(ctx, rec, time.Now())

	var firstErr error
	for _, sink := range t.sinks {
		if err := sink.Append(ctx, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			obs.LogRequest(map[string]any{
				"type":  "audit_sink_error",
				"error": err.Error(),
				"event": rec.Action,
			})
		}
	}
	t.publish(rec)
	return firstErr
}

// Subscribe registers a live watcher and returns a channel receiving every
// record appended after the call. The channel closes when ctx ends.
func (t *Tee) Subscribe(ctx context.Context) <-chan Record {
	ch := make(chan Record, 16)

	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = ch
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, id)
		close(ch)
		t.mu.Unlock()
	}()

	return ch
}

func (t *Tee) publish(rec Record) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// Drop when subscriber is slow to avoid blocking the write path.
		}
	}
}
