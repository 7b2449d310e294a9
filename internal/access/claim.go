package access

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Claims links billing made anonymously on a device to the account now
// signed in on it. Only unowned orders move; trial counters are untouched.
type Claims struct {
	grants     GrantStore
	orders     OrderStore
	reconciler *Reconciler
}

type ClaimResult struct {
	Orders  []Order
	Account *Grant
}

func NewClaims(grants GrantStore, orders OrderStore, reconciler *Reconciler) *Claims {
	return &Claims{grants: grants, orders: orders, reconciler: reconciler}
}

func (c *Claims) Claim(ctx context.Context, p Principal) (ClaimResult, error) {
	if !p.IsUser() {
		return ClaimResult{}, invalid("principal", "sign in required")
	}
	if p.DeviceHash == "" {
		return ClaimResult{}, invalid("device", "device identity is missing")
	}
	if c.orders == nil || c.grants == nil || c.reconciler == nil {
		return ClaimResult{}, ErrNotConfigured
	}

	claimed, err := c.orders.ClaimOrders(ctx, p.DeviceHash, p.UserID, AccountKey(p.UserID))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim orders: %w", err)
	}
	result := ClaimResult{Orders: claimed}

	anyApplied := false
	for _, order := range claimed {
		if order.AppliedAt != nil {
			anyApplied = true
			break
		}
	}
	if !anyApplied {
		return result, nil
	}

	// Payments already applied to the guest grant follow the account.
	guest, err := c.grants.FindByIdentity(ctx, p.DeviceHash)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("find guest grant: %w", err)
	}
	account, err := c.reconciler.EnsureAccount(ctx, p.UserID)
	if err != nil {
		return ClaimResult{}, err
	}
	if guest != nil && guest.PaidUntil != nil {
		account, err = c.grants.RaisePaidUntil(ctx, account.ID, *guest.PaidUntil)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("raise account paid until: %w", err)
		}
		log.Printf("claimed paid window user_id=%s device_hash=%s paid_until=%s", p.UserID, p.DeviceHash, guest.PaidUntil.Format(time.RFC3339))
	}
	result.Account = &account
	return result, nil
}

// ResetGrant hard-deletes the grant of key. It is the administrative reset
// and the only deletion path.
func ResetGrant(ctx context.Context, grants GrantStore, key string) (int64, error) {
	if key == "" {
		return 0, invalid("identity_key", "identity key is required")
	}
	if grants == nil {
		return 0, ErrNotConfigured
	}
	deleted, err := grants.Delete(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("delete grant: %w", err)
	}
	log.Printf("grant reset identity_key=%s deleted=%d", key, deleted)
	return deleted, nil
}
