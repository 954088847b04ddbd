package authority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden.gg/internal/audit"
	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
	"warden.gg/internal/rolemap"
)

const (
	testGameID  = "0b1f8a66-5a7e-4f7e-9c3a-2a54d17a2b4f"
	testGameID2 = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	testChatID  = "200100300400500"
)

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingSink) Append(_ context.Context, rec audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *recordingSink) last() audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

type fixture struct {
	grants   *grant.Service
	links    *identity.Registry
	store    *grant.InMemory
	resolver *Resolver
	sink     *recordingSink
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: grant.NewInMemory(),
		sink:  &recordingSink{},
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.grants = grant.NewService(f.store, audit.Nop{}, clock)
	f.links = identity.NewRegistry(identity.NewInMemory(), audit.Nop{}, clock)
	f.resolver = NewResolver(f.grants, f.links, rolemap.Default(), f.sink, clock)
	return f
}

func (f *fixture) link(t *testing.T, source identity.Source) {
	t.Helper()
	_, err := f.links.Upsert(context.Background(), identity.UpsertParams{
		ChatAccountID: testChatID,
		GameAccountID: testGameID,
		Source:        source,
	})
	if err != nil {
		t.Fatalf("link upsert failed: %v", err)
	}
}

func (f *fixture) roleGrant(t *testing.T, typ grant.Type, roleName string) {
	t.Helper()
	_, err := f.store.SyncRole(context.Background(), grant.RoleSync{
		GameAccountID: testGameID,
		ChatAccountID: testChatID,
		Type:          typ,
		RoleName:      roleName,
		GrantedBy:     "role_sync",
		Now:           f.now,
	})
	if err != nil {
		t.Fatalf("SyncRole failed: %v", err)
	}
}

func TestResolveNoAccess(t *testing.T) {
	f := newFixture(t)

	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusDenied || d.Reason != ReasonNoAccess {
		t.Fatalf("expected denial with no_access, got %+v", d)
	}
	if d.Allowed() {
		t.Fatal("denial must not admit")
	}
	if d.CorrelationID == "" {
		t.Fatal("expected a correlation id")
	}
	if f.sink.len() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", f.sink.len())
	}
}

func TestResolveDatabaseGrantWins(t *testing.T) {
	f := newFixture(t)
	g, err := f.grants.Create(context.Background(), grant.CreateParams{
		GameAccountID: testGameID,
		Type:          grant.TypeWhitelist,
		Duration:      grant.Days(30),
		GrantedBy:     testChatID,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusWhitelisted || d.Reason != ReasonDatabase {
		t.Fatalf("expected database whitelist, got %+v", d)
	}
	if d.GrantID != g.ID {
		t.Fatalf("expected grant id %s, got %s", g.ID, d.GrantID)
	}

	rec := f.sink.last()
	if rec.Decision != string(StatusWhitelisted) {
		t.Fatalf("audit decision mismatch: %+v", rec)
	}
	if rec.Metadata["reason"] != string(ReasonDatabase) {
		t.Fatalf("audit reason mismatch: %+v", rec.Metadata)
	}
}

func TestResolveRoleWithVerifiedLink(t *testing.T) {
	f := newFixture(t)
	f.link(t, identity.SourceSelfVerified)
	f.roleGrant(t, grant.TypeStaff, "Admin")

	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusWhitelisted || d.Reason != ReasonRole {
		t.Fatalf("expected role whitelist, got %+v", d)
	}
	if d.Group != "Admin" {
		t.Fatalf("expected group Admin, got %q", d.Group)
	}
	if d.Confidence != identity.ConfidenceVerified {
		t.Fatalf("expected confidence 1.0, got %v", d.Confidence)
	}
}

func TestResolveStaffRoleNeedsFullConfidence(t *testing.T) {
	cases := []struct {
		name   string
		source identity.Source
		linked bool
	}{
		{"manual link", identity.SourceAdminManual, true},
		{"imported link", identity.SourceBulkImport, true},
		{"no link at all", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.linked {
				f.link(t, tc.source)
			}
			f.roleGrant(t, grant.TypeStaff, "Moderator")

			d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if d.Status != StatusDenied || d.Reason != ReasonInsufficientConfidence {
				t.Fatalf("expected insufficient-confidence denial, got %+v", d)
			}
			if d.Group != "Moderator" {
				t.Fatalf("expected group carried on denial, got %q", d.Group)
			}
			if rec := f.sink.last(); rec.Severity != audit.SeverityWarning {
				t.Fatalf("expected warning severity, got %s", rec.Severity)
			}
		})
	}
}

func TestResolveUnverifiedMemberRoleFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.link(t, identity.SourceBulkImport)
	f.roleGrant(t, grant.TypeWhitelist, "Member")

	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusDenied || d.Reason != ReasonNoAccess {
		t.Fatalf("expected quiet no_access, got %+v", d)
	}
}

func TestResolveLiveGroupEvidence(t *testing.T) {
	f := newFixture(t)
	f.link(t, identity.SourceSelfVerified)

	// No persisted role grant; the caller supplies the group it just saw.
	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID, Group: "HeadAdmin"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusWhitelisted || d.Reason != ReasonRole || d.Group != "HeadAdmin" {
		t.Fatalf("expected live role evidence to admit, got %+v", d)
	}
}

func TestResolveLinkDowngradeBlocksStaff(t *testing.T) {
	f := newFixture(t)
	f.link(t, identity.SourceSelfVerified)
	f.roleGrant(t, grant.TypeStaff, "Admin")

	d, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusWhitelisted {
		t.Fatalf("expected admit before downgrade, got %+v", d)
	}

	// The link is re-asserted from a weaker source; the persisted role
	// grant alone no longer admits.
	f.now = f.now.Add(time.Minute)
	f.link(t, identity.SourceSupportText)

	d, err = f.resolver.Resolve(context.Background(), Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Status != StatusDenied || d.Reason != ReasonInsufficientConfidence {
		t.Fatalf("expected downgrade to deny staff access, got %+v", d)
	}
}

func TestResolveRejectsMalformedID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.resolver.Resolve(context.Background(), Request{GameAccountID: "player-one"}); !errors.Is(err, identity.ErrInvalidGameAccountID) {
		t.Fatalf("expected ErrInvalidGameAccountID, got %v", err)
	}
	if f.sink.len() != 0 {
		t.Fatal("malformed input must not produce audit records")
	}
}

func TestResolveAllPreservesOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.grants.Create(context.Background(), grant.CreateParams{
		GameAccountID: testGameID,
		Type:          grant.TypeWhitelist,
		Duration:      grant.Permanent(),
		GrantedBy:     testChatID,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	decisions, err := f.resolver.ResolveAll(context.Background(), []string{testGameID, testGameID2})
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if decisions[0].GameAccountID != testGameID || decisions[0].Status != StatusWhitelisted {
		t.Fatalf("unexpected first decision: %+v", decisions[0])
	}
	if decisions[1].GameAccountID != testGameID2 || decisions[1].Status != StatusDenied {
		t.Fatalf("unexpected second decision: %+v", decisions[1])
	}
	if f.sink.len() != 2 {
		t.Fatalf("expected one audit record per account, got %d", f.sink.len())
	}
}

func TestResolveAllFailsOnMalformedID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.resolver.ResolveAll(context.Background(), []string{testGameID, "bogus"}); err == nil {
		t.Fatal("expected batch failure on malformed id")
	}
}

func TestResolveCorrelationFromContext(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithCorrelationID(context.Background(), "cor-feed-rebuild")

	d, err := f.resolver.Resolve(ctx, Request{GameAccountID: testGameID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.CorrelationID != "cor-feed-rebuild" {
		t.Fatalf("expected context correlation id, got %q", d.CorrelationID)
	}
	if rec := f.sink.last(); rec.CorrelationID != "cor-feed-rebuild" {
		t.Fatalf("audit record correlation mismatch: %+v", rec)
	}
}
