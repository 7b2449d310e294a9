// Package access decides whether a visitor may spend paid functionality and
// keeps guest (device) and account entitlement state consistent.
package access

import (
	"context"
	"strings"
	"time"
)

const accountKeyPrefix = "account:"

// Settings is the business configuration shared by every component in this
// package. It is built once at startup.
type Settings struct {
	TrialDefault   int
	PromoMonths    int
	PaidPeriodDays int
}

// Grant is the persisted entitlement record of one identity key.
type Grant struct {
	ID                 string
	IdentityKey        string
	UserID             *string
	DeviceHash         *string
	TrialQuestionsLeft int
	PaidUntil          *time.Time
	PromoUntil         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type NewGrant struct {
	UserID       *string
	DeviceHash   *string
	TrialDefault int
}

// GrantStore is the typed capability set over persisted grants. Every
// mutating method is a single conditional statement at the storage layer.
type GrantStore interface {
	// FindByIdentity returns nil, nil when no grant exists for key.
	FindByIdentity(ctx context.Context, key string) (*Grant, error)
	// FindLegacyByUser looks for a pre-migration row owned by userID whose
	// identity key is not yet the account key.
	FindLegacyByUser(ctx context.Context, userID string) (*Grant, error)
	// Create is idempotent by identity key and returns the existing row when
	// another writer got there first.
	Create(ctx context.Context, key string, seed NewGrant) (Grant, error)
	// AtomicDecrementTrial returns ErrTrialExhausted when nothing was left.
	AtomicDecrementTrial(ctx context.Context, id string) (Grant, error)
	// LowerTrial sets the counter to min(current, ceiling), floored at zero.
	LowerTrial(ctx context.Context, id string, ceiling int) (Grant, error)
	// MigrateIdentity returns ErrDuplicateIdentity if newKey is already taken.
	MigrateIdentity(ctx context.Context, id, newKey, userID string) (Grant, error)
	ExtendPromo(ctx context.Context, id string, months int, now time.Time) (Grant, error)
	RaisePaidUntil(ctx context.Context, id string, until time.Time) (Grant, error)
	// CancelPromo clears promoUntil and resets an exhausted trial to trialDefault.
	CancelPromo(ctx context.Context, id string, trialDefault int) (Grant, error)
	Delete(ctx context.Context, key string) (int64, error)
}

// AccountKey is the stable identity key of an authenticated account.
func AccountKey(userID string) string {
	return accountKeyPrefix + strings.TrimSpace(userID)
}

func IsAccountKey(key string) bool {
	return strings.HasPrefix(key, accountKeyPrefix)
}

// ClampTrial bounds a stored trial counter into [0, max] to tolerate corrupt rows.
func ClampTrial(value, max int) int {
	if max < 0 {
		max = 0
	}
	if value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}

// ExtendFrom stacks a period onto the later of current and now.
func ExtendFrom(current *time.Time, now time.Time, months, days int) time.Time {
	base := now.UTC()
	if current != nil && current.After(base) {
		base = current.UTC()
	}
	return base.AddDate(0, months, days)
}

// stackBase is the earliest point a new period may start from when the
// caller already holds window through another grant.
func stackBase(now time.Time, window *time.Time) time.Time {
	if window != nil && window.After(now) {
		return window.UTC()
	}
	return now.UTC()
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil:
		t := *a
		return &t
	case b.After(*a):
		t := *b
		return &t
	default:
		t := *a
		return &t
	}
}

func stringPtr(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
