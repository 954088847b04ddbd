package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv(secretEnvVariable, value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t, "test-secret-value")

	token, err := GenerateToken("chat-bot", []string{"Sync", "read", "sync"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "chat-bot" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "warden" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if !slices.Contains(claims.Scopes, "sync") || !slices.Contains(claims.Scopes, "read") {
		t.Fatalf("scopes were not preserved: %v", claims.Scopes)
	}
	if len(claims.Scopes) != 2 {
		t.Fatalf("scopes not deduplicated: %v", claims.Scopes)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t, "test-secret-value")

	if _, err := GenerateToken("", []string{ScopeRead}, time.Hour); err == nil {
		t.Fatal("expected error for empty service")
	}
	if _, err := GenerateToken("svc", nil, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestParseAndValidateRejectsGarbage(t *testing.T) {
	setSecret(t, "test-secret-value")

	for _, token := range []string{"", "   ", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", token, err)
		}
	}
}

func TestParseAndValidateRejectsWrongSecret(t *testing.T) {
	setSecret(t, "first-secret")
	token, err := GenerateToken("svc", []string{ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	setSecret(t, "second-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken under rotated secret, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	ResetSecretForTests()
	t.Setenv(secretEnvVariable, "")
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("svc", []string{ScopeRead}, time.Hour); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ServiceFromContext(ctx); ok {
		t.Fatal("empty context must not carry a service")
	}

	ctx = ContextWithService(ctx, "ops-cli", []string{"Read", "read"})
	svc, ok := ServiceFromContext(ctx)
	if !ok || svc != "ops-cli" {
		t.Fatalf("unexpected service: %q %v", svc, ok)
	}
	if got := ScopesFromContext(ctx); len(got) != 1 || got[0] != "read" {
		t.Fatalf("unexpected scopes: %v", got)
	}
	if !HasScope(ctx, "READ") {
		t.Fatal("scope check must be case-insensitive")
	}
	if HasScope(ctx, ScopeSync) {
		t.Fatal("unexpected scope present")
	}
}

func TestAdminScopeImpliesAll(t *testing.T) {
	ctx := ContextWithService(context.Background(), "ops-cli", []string{ScopeAdmin})
	for _, scope := range []string{ScopeAdmin, ScopeSync, ScopeRead} {
		if !HasScope(ctx, scope) {
			t.Fatalf("admin should imply %s", scope)
		}
	}
}

func TestTokenRoundTripThroughContext(t *testing.T) {
	setSecret(t, "test-secret-value")

	token, err := GenerateToken("payments", []string{ScopeAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}

	ctx := ContextWithService(context.Background(), claims.Subject, claims.Scopes)
	if svc, _ := ServiceFromContext(ctx); svc != "payments" {
		t.Fatalf("unexpected service: %s", svc)
	}
	if !strings.HasPrefix(token, "eyJ") {
		t.Fatalf("expected compact JWT, got %q", token[:10])
	}
}
