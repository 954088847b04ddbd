package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden.gg/internal/audit"
)

// codeTTL bounds how long an issued verification code stays redeemable.
const codeTTL = 10 * time.Minute

// codeAlphabet omits characters players confuse when retyping (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

type pendingCode struct {
	gameAccountID string
	gameName      string
	expiresAt     time.Time
}

// codeVault keeps issued codes in memory, keyed by digest. Codes are
// one-shot: redeeming or expiring removes them. Only the digest is retained,
// never the code itself.
type codeVault struct {
	mu      sync.Mutex
	pending map[string]pendingCode
	now     func() time.Time
}

func newCodeVault(now func() time.Time) *codeVault {
	return &codeVault{
		pending: make(map[string]pendingCode),
		now:     now,
	}
}

func digestCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

func (v *codeVault) issue(gameAccountID, gameName string) (string, time.Time, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate verification code: %w", err)
	}
	chars := make([]byte, codeLength)
	for i, b := range buf {
		chars[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	code := string(chars)
	expires := v.now().UTC().Add(codeTTL)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.sweepLocked()
	v.pending[digestCode(code)] = pendingCode{
		gameAccountID: gameAccountID,
		gameName:      gameName,
		expiresAt:     expires,
	}
	return code, expires, nil
}

// take consumes a code, returning its binding exactly once.
func (v *codeVault) take(code string) (pendingCode, bool) {
	digest := digestCode(code)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.sweepLocked()
	for key, pc := range v.pending {
		if subtle.ConstantTimeCompare([]byte(key), []byte(digest)) == 1 {
			delete(v.pending, key)
			return pc, true
		}
	}
	return pendingCode{}, false
}

func (v *codeVault) sweepLocked() {
	now := v.now()
	for key, pc := range v.pending {
		if now.After(pc.expiresAt) {
			delete(v.pending, key)
		}
	}
}

// IssueCode mints a one-shot verification code bound to a game identity. The
// player relays the code from in-game chat to the bot; the code proves
// control of the account. Only a digest is kept server-side.
func (r *Registry) IssueCode(ctx context.Context, gameAccountID, gameName string) (string, time.Time, error) {
	gameID, err := ParseGameAccountID(gameAccountID)
	if err != nil {
		return "", time.Time{}, err
	}
	code, expires, err := r.codes.issue(gameID, strings.TrimSpace(gameName))
	if err != nil {
		return "", time.Time{}, err
	}

	r.rec.Append(ctx, audit.Record{
		Action:    "identity.verify.issue",
		Actor:     audit.System(),
		Target:    audit.GameAccount(gameID),
		Decision:  "issued",
		Metadata:  map[string]string{"expires_at": expires.Format(time.RFC3339)},
		CreatedAt: r.now().UTC(),
	})
	return code, expires, nil
}

// Redeem consumes a verification code and records a self-verified primary
// link between the chat account and the code's game identity.
func (r *Registry) Redeem(ctx context.Context, chatAccountID, chatName, code string) (Link, error) {
	chatID, err := ParseChatAccountID(chatAccountID)
	if err != nil {
		return Link{}, err
	}
	pc, ok := r.codes.take(code)
	if !ok {
		r.rec.Append(ctx, audit.Record{
			Action:    "identity.verify.redeem",
			Actor:     audit.ChatAccount(chatID),
			Target:    audit.Entity{Kind: audit.EntitySystem, ID: "code"},
			Decision:  "rejected",
			Severity:  audit.SeverityWarning,
			CreatedAt: r.now().UTC(),
		})
		return Link{}, ErrCodeInvalid
	}

	link, err := r.Upsert(ctx, UpsertParams{
		ChatAccountID: chatID,
		GameAccountID: pc.gameAccountID,
		Source:        SourceSelfVerified,
		Confidence:    ConfidenceVerified,
		GameName:      pc.gameName,
		ChatName:      chatName,
		ActorID:       chatID,
	})
	if err != nil {
		return Link{}, err
	}

	r.rec.Append(ctx, audit.Record{
		Action:    "identity.verify.redeem",
		Actor:     audit.ChatAccount(chatID),
		Target:    audit.GameAccount(pc.gameAccountID),
		Decision:  "verified",
		CreatedAt: r.now().UTC(),
	})
	return link, nil
}
