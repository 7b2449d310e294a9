package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	defaultLockTTL      = 10 * time.Second
	defaultLockAttempts = 5
	defaultLockBackoff  = 150 * time.Millisecond
)

// Reconciler merges the guest grant of a device with the grant of the
// account that just signed in on it. Every write it performs only lowers a
// trial counter or reads, so re-running it converges on the same state.
type Reconciler struct {
	grants   GrantStore
	locker   Locker
	settings Settings

	LockTTL      time.Duration
	LockAttempts int
	LockBackoff  time.Duration
}

type Reconciliation struct {
	// Primary is the account grant with paid/promo windows merged from the
	// guest grant. It is the view an authenticated caller should see.
	Primary Grant
	Guest   *Grant
	Account Grant
}

func NewReconciler(grants GrantStore, locker Locker, settings Settings) *Reconciler {
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Reconciler{
		grants:       grants,
		locker:       locker,
		settings:     settings,
		LockTTL:      defaultLockTTL,
		LockAttempts: defaultLockAttempts,
		LockBackoff:  defaultLockBackoff,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, guestKey, userID string) (Reconciliation, error) {
	if r.grants == nil {
		return Reconciliation{}, ErrNotConfigured
	}
	userID = strings.TrimSpace(userID)
	guestKey = strings.TrimSpace(guestKey)
	if userID == "" {
		return Reconciliation{}, invalid("user_id", "user id is required")
	}
	if IsAccountKey(guestKey) {
		return Reconciliation{}, invalid("guest_key", "guest key must be a device key")
	}
	accountKey := AccountKey(userID)

	release, err := r.lock(ctx, "reconcile:"+guestKey+"|"+accountKey)
	if err != nil {
		return Reconciliation{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("reconcile lock release failed guest_key=%s account_key=%s err=%v", guestKey, accountKey, err)
		}
	}()

	account, err := r.EnsureAccount(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	if guestKey == "" {
		return Reconciliation{Primary: account, Account: account}, nil
	}

	guest, err := ensureGrant(ctx, r.grants, guestKey, NewGrant{
		DeviceHash:   stringPtr(guestKey),
		TrialDefault: r.settings.TrialDefault,
	})
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ensure guest grant: %w", err)
	}

	effective := min(
		ClampTrial(guest.TrialQuestionsLeft, r.settings.TrialDefault),
		ClampTrial(account.TrialQuestionsLeft, r.settings.TrialDefault),
	)
	if guest.TrialQuestionsLeft != effective {
		if guest, err = r.grants.LowerTrial(ctx, guest.ID, effective); err != nil {
			return Reconciliation{}, fmt.Errorf("lower guest trial: %w", err)
		}
	}
	if account.TrialQuestionsLeft != effective {
		if account, err = r.grants.LowerTrial(ctx, account.ID, effective); err != nil {
			return Reconciliation{}, fmt.Errorf("lower account trial: %w", err)
		}
	}

	return Reconciliation{
		Primary: mergeWindows(account, &guest),
		Guest:   &guest,
		Account: account,
	}, nil
}

// EnsureAccount returns the grant keyed by the account key, migrating a
// legacy row matched by user id or creating a fresh one when needed.
func (r *Reconciler) EnsureAccount(ctx context.Context, userID string) (Grant, error) {
	if r.grants == nil {
		return Grant{}, ErrNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Grant{}, invalid("user_id", "user id is required")
	}
	accountKey := AccountKey(userID)

	existing, err := r.grants.FindByIdentity(ctx, accountKey)
	if err != nil {
		return Grant{}, fmt.Errorf("find account grant: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	legacy, err := r.grants.FindLegacyByUser(ctx, userID)
	if err != nil {
		return Grant{}, fmt.Errorf("find legacy grant: %w", err)
	}
	if legacy != nil {
		migrated, err := r.grants.MigrateIdentity(ctx, legacy.ID, accountKey, userID)
		if err == nil {
			log.Printf("migrated legacy grant grant_id=%s from=%s to=%s", legacy.ID, legacy.IdentityKey, accountKey)
			return migrated, nil
		}
		if !errors.Is(err, ErrDuplicateIdentity) {
			return Grant{}, fmt.Errorf("migrate legacy grant: %w", err)
		}
		// Another request created or migrated the account row first.
		existing, err := r.grants.FindByIdentity(ctx, accountKey)
		if err != nil {
			return Grant{}, fmt.Errorf("find account grant: %w", err)
		}
		if existing == nil {
			return Grant{}, ErrReconcileConflict
		}
		return *existing, nil
	}

	created, err := r.grants.Create(ctx, accountKey, NewGrant{
		UserID:       stringPtr(userID),
		TrialDefault: r.settings.TrialDefault,
	})
	if err != nil {
		return Grant{}, fmt.Errorf("create account grant: %w", err)
	}
	return created, nil
}

func (r *Reconciler) lock(ctx context.Context, key string) (func(context.Context) error, error) {
	attempts := r.LockAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		release, err := r.locker.Acquire(ctx, key, r.LockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLocked) {
			// Coordination backend trouble; the merge is idempotent so we go on unlocked.
			log.Printf("reconcile lock unavailable key=%s err=%v", key, err)
			return func(context.Context) error { return nil }, nil
		}
		if attempt >= attempts {
			return nil, ErrReconcileConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.LockBackoff * time.Duration(attempt)):
		}
	}
}

func ensureGrant(ctx context.Context, grants GrantStore, key string, seed NewGrant) (Grant, error) {
	existing, err := grants.FindByIdentity(ctx, key)
	if err != nil {
		return Grant{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return grants.Create(ctx, key, seed)
}

// mergeWindows returns primary with the later paid and promo windows of the
// two grants. Nothing is written back.
func mergeWindows(primary Grant, other *Grant) Grant {
	if other == nil {
		return primary
	}
	primary.PaidUntil = laterOf(primary.PaidUntil, other.PaidUntil)
	primary.PromoUntil = laterOf(primary.PromoUntil, other.PromoUntil)
	return primary
}
