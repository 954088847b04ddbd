package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndRedeemCode(t *testing.T) {
	store := NewInMemory()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(store, nil, func() time.Time { return now })
	ctx := context.Background()

	code, expires, err := reg.IssueCode(ctx, testGameID, "Steve")
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	if len(code) != codeLength {
		t.Fatalf("expected %d-char code, got %q", codeLength, code)
	}
	for _, ch := range code {
		if !strings.ContainsRune(codeAlphabet, ch) {
			t.Fatalf("code %q contains character outside alphabet", code)
		}
	}
	if want := now.Add(codeTTL); !expires.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, expires)
	}

	link, err := reg.Redeem(ctx, testChatID, "steve#1", code)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if link.Confidence != ConfidenceVerified || link.Source != SourceSelfVerified {
		t.Fatalf("expected self-verified link, got %+v", link)
	}
	if !link.Primary {
		t.Fatal("expected redeemed link to be primary")
	}
	if link.GameAccountID != testGameID {
		t.Fatalf("expected link to bound game account, got %s", link.GameAccountID)
	}
	if link.GameName != "Steve" || link.ChatName != "steve#1" {
		t.Fatalf("expected display names carried onto link, got %+v", link)
	}

	primary, err := reg.ResolvePrimary(ctx, testChatID)
	if err != nil {
		t.Fatalf("ResolvePrimary failed: %v", err)
	}
	if primary.GameAccountID != testGameID {
		t.Fatalf("primary not recorded: %+v", primary)
	}
}

func TestRedeemIsOneShot(t *testing.T) {
	reg := NewRegistry(NewInMemory(), nil, nil)
	ctx := context.Background()

	code, _, err := reg.IssueCode(ctx, testGameID, "Steve")
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	if _, err := reg.Redeem(ctx, testChatID, "steve#1", code); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if _, err := reg.Redeem(ctx, "999", "other", code); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid on reuse, got %v", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(NewInMemory(), nil, func() time.Time { return now })
	ctx := context.Background()

	code, _, err := reg.IssueCode(ctx, testGameID, "Steve")
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	now = now.Add(codeTTL + time.Second)
	if _, err := reg.Redeem(ctx, testChatID, "steve#1", code); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid after expiry, got %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	reg := NewRegistry(NewInMemory(), nil, nil)
	if _, err := reg.Redeem(context.Background(), testChatID, "x", "WRONGCOD"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestRedeemNormalizesCase(t *testing.T) {
	reg := NewRegistry(NewInMemory(), nil, nil)
	ctx := context.Background()

	code, _, err := reg.IssueCode(ctx, testGameID, "Steve")
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	if _, err := reg.Redeem(ctx, testChatID, "steve#1", strings.ToLower(code)); err != nil {
		t.Fatalf("expected lowercase entry to redeem, got %v", err)
	}
}
