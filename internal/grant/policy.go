package grant

import "time"

// StackedExpiration computes the expiration of a new grant given the
// currently winning active grant of the same type. Stacking extends from the
// current expiration rather than from now, so buying two 14-day passes back
// to back yields 28 days of access. A permanent grant on either side makes
// the result permanent. The current grant itself is never mutated; callers
// insert a fresh row carrying the returned expiration.
func StackedExpiration(now time.Time, current *Grant, d Duration) (*time.Time, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Unit == UnitPermanent {
		return nil, nil
	}
	if current != nil && current.ExpiresAt == nil {
		// Permanent dominates: the new row records the purchase but
		// cannot shorten access.
		return nil, nil
	}

	base := now
	if current != nil && current.ExpiresAt.After(now) {
		base = *current.ExpiresAt
	}

	var expires time.Time
	switch d.Unit {
	case UnitDays:
		expires = base.AddDate(0, 0, d.Value)
	case UnitMonths:
		expires = base.AddDate(0, d.Value, 0)
	}
	expires = expires.UTC()
	return &expires, nil
}
