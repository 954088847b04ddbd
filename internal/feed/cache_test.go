package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu     sync.Mutex
	builds int
	err    error
}

func (f *fakeSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.builds++
	text := make(map[Tier][]byte, len(Tiers))
	for _, tier := range Tiers {
		text[tier] = []byte(fmt.Sprintf("%s generation %d\n", tier, f.builds))
	}
	return &Snapshot{GeneratedAt: time.Now().UTC(), text: text}, nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	first, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected identical payload within TTL")
	}
	if src.buildCount() != 1 {
		t.Fatalf("expected a single build, got %d", src.buildCount())
	}

	// One build fills every tier.
	if _, err := c.Get(ctx, TierCombined); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if src.buildCount() != 1 {
		t.Fatalf("expected other tiers to ride the same build, got %d", src.buildCount())
	}
}

func TestCacheExpiryTriggersRebuild(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Get(ctx, TierStaff); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	text, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if src.buildCount() != 2 {
		t.Fatalf("expected rebuild after TTL, got %d builds", src.buildCount())
	}
	if string(text) != "staff generation 2\n" {
		t.Fatalf("expected second generation, got %q", text)
	}
}

func TestCacheInvalidateForcesRebuild(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	if _, err := c.Get(ctx, TierWhitelist); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	c.Invalidate()
	text, err := c.Get(ctx, TierWhitelist)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if src.buildCount() != 2 {
		t.Fatalf("expected rebuild after invalidation, got %d builds", src.buildCount())
	}
	if string(text) != "whitelist generation 2\n" {
		t.Fatalf("expected fresh payload, got %q", text)
	}
}

func TestCacheServesStaleOnFailure(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	good, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	c.Invalidate()
	src.fail(errors.New("storage down"))

	stale, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if string(stale) != string(good) {
		t.Fatalf("expected last good payload, got %q", stale)
	}

	// Recovery: the next read after the source heals regenerates.
	src.fail(nil)
	fresh, err := c.Get(ctx, TierStaff)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(fresh) != "staff generation 2\n" {
		t.Fatalf("expected recovery generation, got %q", fresh)
	}
}

func TestCacheErrorsWithNothingToServe(t *testing.T) {
	src := &fakeSource{}
	boom := errors.New("storage down")
	src.fail(boom)
	c := NewCache(src, time.Minute)

	if _, err := c.Get(context.Background(), TierStaff); !errors.Is(err, boom) {
		t.Fatalf("expected source error with empty cache, got %v", err)
	}
}

func TestCacheRegenSurvivesCallerCancel(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The regeneration context is detached from the caller's.
	if _, err := c.Get(ctx, TierStaff); err != nil {
		t.Fatalf("Get failed under canceled caller: %v", err)
	}
	if src.buildCount() != 1 {
		t.Fatalf("expected build despite cancellation, got %d", src.buildCount())
	}
}

func TestCacheConcurrentReadersSingleBuild(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), TierCombined); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.buildCount() != 1 {
		t.Fatalf("expected one build for concurrent readers, got %d", src.buildCount())
	}
}

func TestCacheDefaultTTL(t *testing.T) {
	c := NewCache(&fakeSource{}, 0)
	if c.TTL() != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", c.TTL())
	}
}
