package grant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testGameID = "0b1f8a66-5a7e-4f7e-9c3a-2a54d17a2b4f"
	testChatID = "200100300400500"
)

func newTestService(start time.Time) (*Service, *time.Time) {
	now := start
	svc := NewService(NewInMemory(), nil, func() time.Time { return now })
	return svc, &now
}

func TestCreateStacksOntoActiveGrant(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	svc, now := newTestService(start)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		Duration:      Days(14),
		GrantedBy:     testChatID,
	})
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if first.ExpiresAt == nil || !first.ExpiresAt.Equal(start.AddDate(0, 0, 14)) {
		t.Fatalf("unexpected first expiry: %v", first.ExpiresAt)
	}

	*now = start.AddDate(0, 0, 5)
	second, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		Duration:      Days(16),
		GrantedBy:     testChatID,
	})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if want := start.AddDate(0, 0, 30); second.ExpiresAt == nil || !second.ExpiresAt.Equal(want) {
		t.Fatalf("expected stacked expiry %v, got %v", want, second.ExpiresAt)
	}

	// Both rows survive: stacking appends history instead of mutating.
	if _, err := svc.ByID(ctx, first.ID); err != nil {
		t.Fatalf("first row lost after stacking: %v", err)
	}
	active, err := svc.Active(ctx, testGameID, TypeWhitelist)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected latest row to win, got %s", active.ID)
	}
}

func TestCreatePermanentDominates(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	svc, _ := newTestService(start)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		Duration:      Permanent(),
		GrantedBy:     testChatID,
	}); err != nil {
		t.Fatalf("permanent create failed: %v", err)
	}

	dated, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		Duration:      Days(30),
		GrantedBy:     testChatID,
		Source:        SourceDonation,
	})
	if err != nil {
		t.Fatalf("dated create failed: %v", err)
	}
	if dated.ExpiresAt != nil {
		t.Fatalf("expected permanence to dominate, got expiry %v", dated.ExpiresAt)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(time.Now())
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"bad game id", CreateParams{GameAccountID: "nope", Type: TypeWhitelist, Duration: Days(1), GrantedBy: "x"}},
		{"bad type", CreateParams{GameAccountID: testGameID, Type: "vip", Duration: Days(1), GrantedBy: "x"}},
		{"role source reserved", CreateParams{GameAccountID: testGameID, Type: TypeStaff, Source: SourceRole, Duration: Permanent(), GrantedBy: "x"}},
		{"zero duration", CreateParams{GameAccountID: testGameID, Type: TypeWhitelist, Duration: Days(0), GrantedBy: "x"}},
		{"missing granted_by", CreateParams{GameAccountID: testGameID, Type: TypeWhitelist, Duration: Days(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.params); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRevokeByAccountClosesAllOfType(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	svc, _ := newTestService(start)
	ctx := context.Background()

	for _, d := range []Duration{Days(14), Days(16)} {
		if _, err := svc.Create(ctx, CreateParams{
			GameAccountID: testGameID,
			Type:          TypeWhitelist,
			Duration:      d,
			GrantedBy:     testChatID,
		}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	revoked, err := svc.Revoke(ctx, RevokeParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		RevokedBy:     testChatID,
		Reason:        "chargeback",
	})
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected both stacked rows closed, got %d", len(revoked))
	}

	if _, err := svc.Active(ctx, testGameID, TypeWhitelist); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active grant after revoke, got %v", err)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	svc, _ := newTestService(time.Now())
	ctx := context.Background()

	g, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeStaff,
		Duration:      Permanent(),
		GrantedBy:     testChatID,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.Revoke(ctx, RevokeParams{GrantID: g.ID, RevokedBy: testChatID}); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := svc.Revoke(ctx, RevokeParams{GrantID: g.ID, RevokedBy: testChatID}); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}

	stored, err := svc.ByID(ctx, g.ID)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if !stored.Revoked || stored.RevokedAt == nil {
		t.Fatalf("revocation not recorded: %+v", stored)
	}
}

func TestRevokeNothingActive(t *testing.T) {
	svc, _ := newTestService(time.Now())
	_, err := svc.Revoke(context.Background(), RevokeParams{
		GameAccountID: testGameID,
		RevokedBy:     testChatID,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveDatabaseExcludesRoleRows(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	svc, _ := newTestService(start)
	store := svc.Store()
	ctx := context.Background()

	if _, err := store.SyncRole(ctx, RoleSync{
		GameAccountID: testGameID,
		Type:          TypeStaff,
		RoleName:      "Admin",
		GrantedBy:     "role_sync",
		Now:           start,
	}); err != nil {
		t.Fatalf("SyncRole failed: %v", err)
	}

	if _, err := svc.ActiveDatabase(ctx, testGameID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected role row to be excluded, got %v", err)
	}
	roleGrant, err := svc.ActiveRole(ctx, testGameID)
	if err != nil {
		t.Fatalf("ActiveRole failed: %v", err)
	}
	if roleGrant.RoleName != "Admin" {
		t.Fatalf("unexpected role grant: %+v", roleGrant)
	}

	if _, err := svc.Create(ctx, CreateParams{
		GameAccountID: testGameID,
		Type:          TypeWhitelist,
		Duration:      Days(7),
		GrantedBy:     testChatID,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	db, err := svc.ActiveDatabase(ctx, testGameID)
	if err != nil {
		t.Fatalf("ActiveDatabase failed: %v", err)
	}
	if db.Source != SourceManual {
		t.Fatalf("expected the manual row, got %+v", db)
	}
}

func TestSyncRoleLifecycle(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	store := NewInMemory()
	ctx := context.Background()

	// Gain a tier.
	res, err := store.SyncRole(ctx, RoleSync{
		GameAccountID: testGameID,
		ChatAccountID: testChatID,
		Type:          TypeStaff,
		RoleName:      "Moderator",
		GrantedBy:     "role_sync",
		Now:           start,
	})
	if err != nil {
		t.Fatalf("SyncRole failed: %v", err)
	}
	if res.Created == nil || res.Created.RoleName != "Moderator" {
		t.Fatalf("expected a created grant, got %+v", res)
	}
	if res.Created.ExpiresAt != nil {
		t.Fatal("role grants must be permanent")
	}

	// Replay of the same event changes nothing.
	res, err = store.SyncRole(ctx, RoleSync{
		GameAccountID: testGameID,
		ChatAccountID: testChatID,
		Type:          TypeStaff,
		RoleName:      "Moderator",
		GrantedBy:     "role_sync",
		Now:           start.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("SyncRole replay failed: %v", err)
	}
	if !res.Unchanged {
		t.Fatalf("expected replay to be a no-op, got %+v", res)
	}

	// Tier change: old row closes, new row opens.
	res, err = store.SyncRole(ctx, RoleSync{
		GameAccountID: testGameID,
		ChatAccountID: testChatID,
		Type:          TypeStaff,
		RoleName:      "Admin",
		GrantedBy:     "role_sync",
		Now:           start.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SyncRole transition failed: %v", err)
	}
	if res.Created == nil || res.Created.RoleName != "Admin" {
		t.Fatalf("expected Admin grant, got %+v", res)
	}
	if len(res.Revoked) != 1 || res.Revoked[0].RoleName != "Moderator" {
		t.Fatalf("expected Moderator row closed, got %+v", res.Revoked)
	}

	// Losing every mapped role closes the remaining row.
	res, err = store.SyncRole(ctx, RoleSync{
		GameAccountID: testGameID,
		ChatAccountID: testChatID,
		Type:          TypeStaff,
		RoleName:      "",
		GrantedBy:     "role_sync",
		Now:           start.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SyncRole removal failed: %v", err)
	}
	if res.Created != nil || len(res.Revoked) != 1 {
		t.Fatalf("expected removal only, got %+v", res)
	}
	if _, err := store.ActiveRole(ctx, testGameID, start.Add(4*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active role grant, got %v", err)
	}
}

func TestSyncRoleConcurrentDuplicatesCollapse(t *testing.T) {
	start := mustTime(t, "2025-03-01T12:00:00Z")
	store := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SyncRole(ctx, RoleSync{
				GameAccountID: testGameID,
				ChatAccountID: testChatID,
				Type:          TypeStaff,
				RoleName:      "Admin",
				GrantedBy:     "role_sync",
				Now:           start,
			})
			if err != nil {
				t.Errorf("SyncRole failed: %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := store.ListActive(ctx, start.Add(time.Second))
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one grant after concurrent duplicates, got %d", len(active))
	}
}
