package entitlement

import "time"

// PeriodKind names a time-window policy.
type PeriodKind string

const (
	PeriodTrial        PeriodKind = "trial"
	PeriodSubscription PeriodKind = "subscription"
	PeriodAlways       PeriodKind = "always"
)

const (
	// DefaultTrialDuration is how long the free evaluation window stays open
	// after the ledger is unsealed.
	DefaultTrialDuration = 14 * 24 * time.Hour

	// DefaultSubscriptionDuration is the span covered by one subscription purchase.
	DefaultSubscriptionDuration = 365 * 24 * time.Hour
)

var (
	// DistantPast is the "infinite past" sentinel.
	DistantPast = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

	// DistantFuture is the "infinite future" sentinel. It is the only
	// reference time at which no period is expired, and it is the unseal
	// time reported for every state that does not constrain access.
	DistantFuture = time.Date(4001, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Period is a named time window used to decide when an entitlement lapses.
type Period struct {
	Kind     PeriodKind
	duration time.Duration // zero for PeriodAlways
}

// Trial returns a trial period of the given length.
func Trial(d time.Duration) Period {
	return Period{Kind: PeriodTrial, duration: d}
}

// Subscription returns a subscription period of the given length.
func Subscription(d time.Duration) Period {
	return Period{Kind: PeriodSubscription, duration: d}
}

// Always returns the always period.
func Always() Period {
	return Period{Kind: PeriodAlways}
}

// Duration returns the length of the window. Always reports zero.
func (p Period) Duration() time.Duration {
	if p.Kind == PeriodAlways {
		return 0
	}
	return p.duration
}

// IsExpired reports whether the window opened at unsealedAt has elapsed at
// the reference time at.
//
// The DistantFuture reference is never expired, for any period. Always is
// expired for every other reference time, including DistantPast. This
// matches the deployed behaviour and is kept until product confirms whether
// Always is meant to be a "never unlocks" guard tier.
func (p Period) IsExpired(at, unsealedAt time.Time) bool {
	if at.Equal(DistantFuture) {
		return false
	}
	switch p.Kind {
	case PeriodTrial, PeriodSubscription:
		return !at.Before(unsealedAt.Add(p.duration))
	default:
		return true
	}
}

// ExpiresAt returns the first instant at which the period is expired.
func (p Period) ExpiresAt(unsealedAt time.Time) time.Time {
	switch p.Kind {
	case PeriodTrial, PeriodSubscription:
		return unsealedAt.Add(p.duration)
	default:
		return DistantPast
	}
}

func (p Period) String() string {
	if p.Kind == PeriodAlways {
		return string(p.Kind)
	}
	return string(p.Kind) + "(" + p.duration.String() + ")"
}
