package identity

import (
	"errors"
	"time"
)

// Source says how a link between a chat account and a game identity came to
// exist. The source fixes the confidence score; the registry never infers.
type Source string

const (
	// SourceSelfVerified means the player proved control of the game
	// account through the verification-code flow.
	SourceSelfVerified Source = "self_verified"
	// SourceAdminManual means an operator entered the link by hand.
	SourceAdminManual Source = "admin_manual"
	// SourceBulkImport means the link arrived in a migration batch.
	SourceBulkImport Source = "bulk_import"
	// SourceSupportText means the link was parsed out of a support
	// conversation.
	SourceSupportText Source = "support_text"
)

// Confidence scores how much the engine trusts a link. Only the four
// enumerated values are legal.
type Confidence float64

const (
	ConfidenceVerified Confidence = 1.0
	ConfidenceManual   Confidence = 0.7
	ConfidenceImported Confidence = 0.5
	ConfidenceInferred Confidence = 0.3
)

var sourceConfidence = map[Source]Confidence{
	SourceSelfVerified: ConfidenceVerified,
	SourceAdminManual:  ConfidenceManual,
	SourceBulkImport:   ConfidenceImported,
	SourceSupportText:  ConfidenceInferred,
}

// Confidence returns the score fixed for the source.
func (s Source) Confidence() (Confidence, bool) {
	c, ok := sourceConfidence[s]
	return c, ok
}

// Valid reports whether the source is one of the enumerated values.
func (s Source) Valid() bool {
	_, ok := sourceConfidence[s]
	return ok
}

// Valid reports whether the confidence is one of the enumerated values.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceVerified, ConfidenceManual, ConfidenceImported, ConfidenceInferred:
		return true
	}
	return false
}

// Link asserts that a chat account controls a game identity.
type Link struct {
	ID            string     `json:"id"`
	ChatAccountID string     `json:"chat_account_id"`
	GameAccountID string     `json:"game_account_id"`
	Confidence    Confidence `json:"confidence"`
	Source        Source     `json:"source"`
	Primary       bool       `json:"is_primary"`
	GameName      string     `json:"game_name,omitempty"`
	ChatName      string     `json:"chat_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

var (
	// ErrNotFound is returned when no link matches a lookup.
	ErrNotFound = errors.New("identity link not found")
	// ErrInvalidGameAccountID is returned for game ids that are not UUIDs.
	ErrInvalidGameAccountID = errors.New("invalid game account id")
	// ErrInvalidChatAccountID is returned for chat ids that are not
	// decimal snowflakes.
	ErrInvalidChatAccountID = errors.New("invalid chat account id")
	// ErrInvalidSource is returned for sources outside the enumerated set.
	ErrInvalidSource = errors.New("invalid link source")
	// ErrInvalidConfidence is returned when the confidence does not match
	// the score fixed for the source.
	ErrInvalidConfidence = errors.New("invalid link confidence")
	// ErrCodeInvalid is returned when a verification code is unknown,
	// expired, or already redeemed.
	ErrCodeInvalid = errors.New("verification code invalid or expired")
)
