package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"turbotaai/apps/backend/internal/access"
	"turbotaai/apps/backend/internal/testutil"
)

func seedTrial(store *testutil.MemoryStore, key string, left int) access.Grant {
	g := access.Grant{IdentityKey: key, TrialQuestionsLeft: left}
	if access.IsAccountKey(key) {
		uid := key[len("account:"):]
		g.UserID = &uid
	} else {
		hash := key
		g.DeviceHash = &hash
	}
	return store.Put(g)
}

func TestReconcileTrialIsMinimumOfBoth(t *testing.T) {
	cases := []struct {
		guest, account, want int
	}{
		{guest: 3, account: 0, want: 0},
		{guest: 5, account: 2, want: 2},
		{guest: 1, account: 4, want: 1},
		{guest: 5, account: 5, want: 5},
		{guest: -2, account: 3, want: 0},
		{guest: 50, account: 9, want: 5},
	}
	for _, tc := range cases {
		store := testutil.NewMemoryStore()
		seedTrial(store, "device-a", tc.guest)
		seedTrial(store, "account:user-1", tc.account)

		r := access.NewReconciler(store, nil, testSettings)
		got, err := r.Reconcile(context.Background(), "device-a", "user-1")
		if err != nil {
			t.Fatalf("reconcile g=%d a=%d: %v", tc.guest, tc.account, err)
		}
		if got.Guest.TrialQuestionsLeft != tc.want || got.Account.TrialQuestionsLeft != tc.want {
			t.Fatalf("g=%d a=%d: expected both %d, got guest=%d account=%d",
				tc.guest, tc.account, tc.want, got.Guest.TrialQuestionsLeft, got.Account.TrialQuestionsLeft)
		}
		stored, _ := store.Get("device-a")
		if stored.TrialQuestionsLeft != tc.want {
			t.Fatalf("expected guest row persisted as %d, got %d", tc.want, stored.TrialQuestionsLeft)
		}
	}
}

func TestReconcileCreatesMissingGrants(t *testing.T) {
	store := testutil.NewMemoryStore()
	r := access.NewReconciler(store, nil, testSettings)

	got, err := r.Reconcile(context.Background(), "device-new", "user-new")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Primary.IdentityKey != "account:user-new" {
		t.Fatalf("expected account grant as primary, got %q", got.Primary.IdentityKey)
	}
	if got.Primary.TrialQuestionsLeft != 5 || got.Guest.TrialQuestionsLeft != 5 {
		t.Fatalf("expected default trial on both, got %+v", got)
	}
	if got.Account.UserID == nil || *got.Account.UserID != "user-new" {
		t.Fatalf("expected account grant to carry user id")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedTrial(store, "device-a", 4)
	seedTrial(store, "account:user-1", 2)
	r := access.NewReconciler(store, nil, testSettings)

	first, err := r.Reconcile(context.Background(), "device-a", "user-1")
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	lowerCalls := store.CallCount("LowerTrial")

	second, err := r.Reconcile(context.Background(), "device-a", "user-1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if first.Primary.ID != second.Primary.ID || first.Guest.ID != second.Guest.ID {
		t.Fatalf("expected the same rows on re-run")
	}
	if second.Primary.TrialQuestionsLeft != first.Primary.TrialQuestionsLeft ||
		second.Guest.TrialQuestionsLeft != first.Guest.TrialQuestionsLeft {
		t.Fatalf("expected identical trial values, first=%+v second=%+v", first, second)
	}
	if store.CallCount("LowerTrial") != lowerCalls {
		t.Fatalf("expected no writes on converged re-run")
	}
}

func TestReconcileMergesPaidAndPromoWindows(t *testing.T) {
	store := testutil.NewMemoryStore()
	now := time.Now().UTC()
	guestPaid := now.Add(5 * 24 * time.Hour)
	accountPromo := now.Add(2 * 24 * time.Hour)

	guest := seedTrial(store, "device-a", 0)
	guest.PaidUntil = &guestPaid
	store.Put(guest)
	account := seedTrial(store, "account:user-1", 0)
	account.PromoUntil = &accountPromo
	store.Put(account)

	r := access.NewReconciler(store, nil, testSettings)
	got, err := r.Reconcile(context.Background(), "device-a", "user-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Primary.PaidUntil == nil || !got.Primary.PaidUntil.Equal(guestPaid) {
		t.Fatalf("expected merged paid until %s, got %v", guestPaid, got.Primary.PaidUntil)
	}
	if got.Primary.PromoUntil == nil || !got.Primary.PromoUntil.Equal(accountPromo) {
		t.Fatalf("expected promo until kept, got %v", got.Primary.PromoUntil)
	}
	if got.Account.PaidUntil != nil {
		t.Fatalf("expected merge not to be written to the account row")
	}
	stored, _ := store.Get("device-a")
	if stored.PromoUntil != nil {
		t.Fatalf("expected merge not to be written to the guest row")
	}
}

func TestReconcileMigratesLegacyRow(t *testing.T) {
	store := testutil.NewMemoryStore()
	uid := "user-legacy"
	legacy := store.Put(access.Grant{IdentityKey: "old-device-key", UserID: &uid, TrialQuestionsLeft: 1})
	r := access.NewReconciler(store, nil, testSettings)

	got, err := r.Reconcile(context.Background(), "device-a", uid)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Account.ID != legacy.ID {
		t.Fatalf("expected legacy row to become the account grant")
	}
	if got.Account.IdentityKey != "account:user-legacy" {
		t.Fatalf("expected migrated key, got %q", got.Account.IdentityKey)
	}
	if got.Account.TrialQuestionsLeft != 1 || got.Guest.TrialQuestionsLeft != 1 {
		t.Fatalf("expected legacy trial to win, got %+v", got)
	}
	if _, ok := store.Get("old-device-key"); ok {
		t.Fatalf("expected old key to be gone")
	}
}

func TestReconcileWithoutGuestKey(t *testing.T) {
	store := testutil.NewMemoryStore()
	r := access.NewReconciler(store, nil, testSettings)
	got, err := r.Reconcile(context.Background(), "", "user-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Guest != nil {
		t.Fatalf("expected no guest grant")
	}
	if got.Primary.IdentityKey != "account:user-1" {
		t.Fatalf("unexpected primary %q", got.Primary.IdentityKey)
	}
}

func TestReconcileValidation(t *testing.T) {
	store := testutil.NewMemoryStore()
	r := access.NewReconciler(store, nil, testSettings)

	if _, err := r.Reconcile(context.Background(), "device-a", " "); !access.IsValidation(err) {
		t.Fatalf("expected validation error for empty user, got %v", err)
	}
	if _, err := r.Reconcile(context.Background(), "account:other", "user-1"); !access.IsValidation(err) {
		t.Fatalf("expected validation error for account guest key, got %v", err)
	}
	if len(store.Calls) != 0 {
		t.Fatalf("expected store untouched, got %v", store.Calls)
	}

	noStore := access.NewReconciler(nil, nil, testSettings)
	if _, err := noStore.Reconcile(context.Background(), "device-a", "user-1"); !errors.Is(err, access.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

type busyLocker struct {
	mu       sync.Mutex
	attempts int
	freeAt   int
	failWith error
}

func (l *busyLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failWith != nil {
		return nil, l.failWith
	}
	if l.freeAt > 0 && l.attempts >= l.freeAt {
		return func(context.Context) error { return nil }, nil
	}
	return nil, access.ErrLocked
}

func TestReconcileRetriesContendedLock(t *testing.T) {
	store := testutil.NewMemoryStore()
	locker := &busyLocker{freeAt: 3}
	r := access.NewReconciler(store, locker, testSettings)
	r.LockBackoff = time.Millisecond

	if _, err := r.Reconcile(context.Background(), "device-a", "user-1"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if locker.attempts != 3 {
		t.Fatalf("expected 3 lock attempts, got %d", locker.attempts)
	}
}

func TestReconcileConflictWhenLockNeverFrees(t *testing.T) {
	store := testutil.NewMemoryStore()
	r := access.NewReconciler(store, &busyLocker{}, testSettings)
	r.LockBackoff = time.Millisecond
	r.LockAttempts = 2

	_, err := r.Reconcile(context.Background(), "device-a", "user-1")
	if !errors.Is(err, access.ErrReconcileConflict) {
		t.Fatalf("expected ErrReconcileConflict, got %v", err)
	}
	if len(store.Calls) != 0 {
		t.Fatalf("expected no store access without the lock")
	}
}

func TestReconcileProceedsWhenLockBackendFails(t *testing.T) {
	store := testutil.NewMemoryStore()
	r := access.NewReconciler(store, &busyLocker{failWith: errors.New("redis down")}, testSettings)
	if _, err := r.Reconcile(context.Background(), "device-a", "user-1"); err != nil {
		t.Fatalf("expected reconcile to proceed unlocked, got %v", err)
	}
}

func TestConcurrentReconcileConverges(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedTrial(store, "device-a", 5)
	seedTrial(store, "account:user-1", 1)
	r := access.NewReconciler(store, nil, testSettings)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reconcile(context.Background(), "device-a", "user-1"); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	guest, _ := store.Get("device-a")
	account, _ := store.Get("account:user-1")
	if guest.TrialQuestionsLeft != 1 || account.TrialQuestionsLeft != 1 {
		t.Fatalf("expected both at 1, got guest=%d account=%d", guest.TrialQuestionsLeft, account.TrialQuestionsLeft)
	}
}
