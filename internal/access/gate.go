package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// Gate is the single enforcement point for spending one unit of paid
// functionality. It is the only place trial consumption happens.
type Gate struct {
	grants     GrantStore
	reconciler *Reconciler
	settings   Settings
	Now        Clock
}

type Result struct {
	OK       bool
	Status   int
	Grant    *Grant
	Decision Decision
	Reason   string
	// Unlimited is set when the store is unavailable and the check failed open.
	Unlimited bool
}

func NewGate(grants GrantStore, reconciler *Reconciler, settings Settings) *Gate {
	return &Gate{grants: grants, reconciler: reconciler, settings: settings}
}

// Require checks access for p and, when consume is set and the allowance is
// trial based, atomically takes one trial unit. Read failures fail open;
// a failed decrement or a contended account link is returned as an error.
func (g *Gate) Require(ctx context.Context, p Principal, consume bool) (Result, error) {
	if p.IdentityKey() == "" {
		return Result{}, invalid("principal", "identity is missing")
	}
	if g.grants == nil {
		return failOpen(), nil
	}

	grant, view, err := g.resolve(ctx, p)
	if errors.Is(err, ErrReconcileConflict) {
		return Result{}, err
	}
	if err != nil {
		log.Printf("access check failing open identity_key=%s err=%v", p.IdentityKey(), err)
		return failOpen(), nil
	}

	now := g.Now.now()
	decision := Evaluate(view, now, g.settings)
	if !decision.HasAccess {
		return denied(view, decision), nil
	}

	if consume && decision.Basis == BasisTrial {
		updated, err := g.grants.AtomicDecrementTrial(ctx, grant.ID)
		if errors.Is(err, ErrTrialExhausted) {
			// A concurrent request took the last unit between evaluate and decrement.
			view.TrialQuestionsLeft = 0
			return denied(view, Evaluate(view, now, g.settings)), nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("consume trial: %w", err)
		}
		view.TrialQuestionsLeft = updated.TrialQuestionsLeft
		view.UpdatedAt = updated.UpdatedAt
		decision.TrialLeft = ClampTrial(updated.TrialQuestionsLeft, g.settings.TrialDefault)
	}

	return Result{
		OK:       true,
		Status:   http.StatusOK,
		Grant:    &view,
		Decision: decision,
		Reason:   ReasonOK,
	}, nil
}

// resolve returns the authoritative grant for p and the view used for the
// decision. A logged-in caller on a known device is reconciled with that
// device first, so signing in never tops up a trial the device already spent.
func (g *Gate) resolve(ctx context.Context, p Principal) (Grant, Grant, error) {
	if !p.IsUser() {
		grant, err := ensureGrant(ctx, g.grants, p.DeviceHash, NewGrant{
			DeviceHash:   stringPtr(p.DeviceHash),
			TrialDefault: g.settings.TrialDefault,
		})
		return grant, grant, err
	}

	reconciler := g.reconciler
	if reconciler == nil {
		reconciler = NewReconciler(g.grants, nil, g.settings)
	}
	if p.DeviceHash == "" {
		account, err := reconciler.EnsureAccount(ctx, p.UserID)
		return account, account, err
	}
	rec, err := reconciler.Reconcile(ctx, p.DeviceHash, p.UserID)
	if err != nil {
		return Grant{}, Grant{}, err
	}
	return rec.Account, rec.Primary, nil
}

func denied(view Grant, decision Decision) Result {
	return Result{
		OK:       false,
		Status:   http.StatusPaymentRequired,
		Grant:    &view,
		Decision: decision,
		Reason:   ReasonPaymentRequired,
	}
}

func failOpen() Result {
	return Result{
		OK:     true,
		Status: http.StatusOK,
		Decision: Decision{
			HasAccess: true,
			Reason:    ReasonOK,
		},
		Reason:    ReasonNotConfigured,
		Unlimited: true,
	}
}
