package grant

import (
	"errors"
	"fmt"
	"time"
)

// Type separates staff access from plain whitelist access.
type Type string

const (
	TypeStaff     Type = "staff"
	TypeWhitelist Type = "whitelist"
)

// Valid reports whether the type is one of the enumerated values.
func (t Type) Valid() bool {
	return t == TypeStaff || t == TypeWhitelist
}

// Source says where a grant came from.
type Source string

const (
	// SourceManual marks grants operators create by hand.
	SourceManual Source = "manual"
	// SourceRole marks grants the role synchronizer derives from chat
	// role membership.
	SourceRole Source = "role"
	// SourceDonation marks grants minted by the donation pipeline.
	SourceDonation Source = "donation"
)

// Valid reports whether the source is one of the enumerated values.
func (s Source) Valid() bool {
	return s == SourceManual || s == SourceRole || s == SourceDonation
}

// DurationUnit is the closed set of grant duration units.
type DurationUnit string

const (
	UnitDays      DurationUnit = "days"
	UnitMonths    DurationUnit = "months"
	UnitPermanent DurationUnit = "permanent"
)

// Duration is a requested grant length. Permanent durations ignore Value.
type Duration struct {
	Unit  DurationUnit `json:"unit"`
	Value int          `json:"value,omitempty"`
}

// Days builds a day-denominated duration.
func Days(n int) Duration { return Duration{Unit: UnitDays, Value: n} }

// Months builds a month-denominated duration.
func Months(n int) Duration { return Duration{Unit: UnitMonths, Value: n} }

// Permanent builds a duration with no expiration.
func Permanent() Duration { return Duration{Unit: UnitPermanent} }

// Validate rejects unknown units and non-positive values.
func (d Duration) Validate() error {
	switch d.Unit {
	case UnitPermanent:
		return nil
	case UnitDays, UnitMonths:
		if d.Value < 1 {
			return fmt.Errorf("%w: %s value must be at least 1, got %d", ErrInvalidDuration, d.Unit, d.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, d.Unit)
	}
}

// Grant is one access row. Rows are append-mostly: stacking inserts a new row
// rather than mutating the old one, and revocation is the only mutation.
type Grant struct {
	ID            string     `json:"id"`
	GameAccountID string     `json:"game_account_id"`
	ChatAccountID string     `json:"chat_account_id,omitempty"`
	Type          Type       `json:"type"`
	Source        Source     `json:"source"`
	RoleName      string     `json:"role_name,omitempty"`
	Duration      Duration   `json:"duration"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Approved      bool       `json:"approved"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
	GrantedBy     string     `json:"granted_by"`
	Reason        string     `json:"reason,omitempty"`
	GameName      string     `json:"game_name,omitempty"`
	ChatName      string     `json:"chat_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Active reports whether the grant confers access at the given instant.
func (g Grant) Active(now time.Time) bool {
	if !g.Approved || g.Revoked {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

var (
	// ErrNotFound is returned when no grant matches a lookup or revocation.
	ErrNotFound = errors.New("grant not found")
	// ErrAlreadyRevoked is returned when revoking a grant a second time.
	ErrAlreadyRevoked = errors.New("grant already revoked")
	// ErrInvalidType is returned for types outside the enumerated set.
	ErrInvalidType = errors.New("invalid grant type")
	// ErrInvalidSource is returned for sources outside the enumerated set.
	ErrInvalidSource = errors.New("invalid grant source")
	// ErrInvalidDuration is returned for malformed durations.
	ErrInvalidDuration = errors.New("invalid grant duration")
	// ErrStoreBusy marks transient storage contention (deadlock, lock
	// timeout). Callers may retry.
	ErrStoreBusy = errors.New("grant store busy")
)
