package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

const maxPromoCodeLength = 64

var (
	ErrPromoDisabled    = errors.New("promo codes are not enabled")
	ErrInvalidPromoCode = errors.New("invalid promo code")
	ErrTooManyAttempts  = errors.New("too many promo attempts")
)

// AttemptLimiter counts redemption attempts per identity key.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

type Promotions struct {
	grants     GrantStore
	reconciler *Reconciler
	settings   Settings
	code       string
	limiter    AttemptLimiter
	limit      int
	Now        Clock
}

func NewPromotions(grants GrantStore, reconciler *Reconciler, settings Settings, code string, limiter AttemptLimiter, attemptsPerMinute int) *Promotions {
	return &Promotions{
		grants:     grants,
		reconciler: reconciler,
		settings:   settings,
		code:       strings.ToUpper(strings.TrimSpace(code)),
		limiter:    limiter,
		limit:      attemptsPerMinute,
	}
}

// Redeem extends promoUntil of the caller's primary grant by the configured
// number of months, stacking on an unexpired window.
func (p *Promotions) Redeem(ctx context.Context, principal Principal, code string) (Grant, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Grant{}, invalid("code", "code is required")
	}
	if len(code) > maxPromoCodeLength {
		return Grant{}, invalid("code", "code is too long")
	}
	key := principal.IdentityKey()
	if key == "" {
		return Grant{}, invalid("principal", "identity is missing")
	}
	if p.code == "" {
		return Grant{}, ErrPromoDisabled
	}
	if p.limiter != nil && p.limit > 0 {
		allowed, err := p.limiter.Allow(ctx, "promo:"+key, p.limit)
		if err != nil {
			log.Printf("promo limiter unavailable identity_key=%s err=%v", key, err)
		} else if !allowed {
			return Grant{}, ErrTooManyAttempts
		}
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(p.code)) != 1 {
		return Grant{}, ErrInvalidPromoCode
	}
	if p.grants == nil {
		return Grant{}, ErrNotConfigured
	}

	grant, base, err := p.primary(ctx, principal)
	if err != nil {
		return Grant{}, err
	}
	updated, err := p.grants.ExtendPromo(ctx, grant.ID, p.settings.PromoMonths, base)
	if err != nil {
		return Grant{}, fmt.Errorf("extend promo: %w", err)
	}
	log.Printf("promo redeemed identity_key=%s promo_until=%v", key, updated.PromoUntil)
	return updated, nil
}

// Cancel clears promoUntil on every grant of the caller. An exhausted trial
// is reset to the default; a trial with uses left is kept as is.
func (p *Promotions) Cancel(ctx context.Context, principal Principal) ([]Grant, error) {
	keys := principal.IdentityKeys()
	if len(keys) == 0 {
		return nil, invalid("principal", "identity is missing")
	}
	if p.grants == nil {
		return nil, ErrNotConfigured
	}

	cancelled := make([]Grant, 0, len(keys))
	for _, key := range keys {
		grant, err := p.grants.FindByIdentity(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("find grant %s: %w", key, err)
		}
		if grant == nil {
			continue
		}
		updated, err := p.grants.CancelPromo(ctx, grant.ID, p.settings.TrialDefault)
		if err != nil {
			return nil, fmt.Errorf("cancel promo %s: %w", key, err)
		}
		cancelled = append(cancelled, updated)
	}
	return cancelled, nil
}

// primary returns the grant a redemption extends and the earliest point the
// new period may start from. A signed-in caller stacks on top of a promo the
// device grant still carries, since that is the window the caller sees.
func (p *Promotions) primary(ctx context.Context, principal Principal) (Grant, time.Time, error) {
	now := p.Now.now()
	if !principal.IsUser() {
		grant, err := ensureGrant(ctx, p.grants, principal.DeviceHash, NewGrant{
			DeviceHash:   stringPtr(principal.DeviceHash),
			TrialDefault: p.settings.TrialDefault,
		})
		return grant, now, err
	}

	reconciler := p.reconciler
	if reconciler == nil {
		reconciler = NewReconciler(p.grants, nil, p.settings)
	}
	account, err := reconciler.EnsureAccount(ctx, principal.UserID)
	if err != nil || principal.DeviceHash == "" {
		return account, now, err
	}
	guest, err := p.grants.FindByIdentity(ctx, principal.DeviceHash)
	if err != nil {
		return Grant{}, time.Time{}, fmt.Errorf("find guest grant: %w", err)
	}
	if guest == nil {
		return account, now, nil
	}
	return account, stackBase(now, guest.PromoUntil), nil
}
