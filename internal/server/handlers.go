package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"turbotaai/apps/backend/internal/access"
)

type accessCheckRequest struct {
	Consume bool `json:"consume"`
}

type promoRedeemRequest struct {
	Code string `json:"code"`
}

type resetGrantRequest struct {
	IdentityKey string `json:"identity_key"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
}

// grantView is the client-facing projection of a grant. Field names follow
// the front end contract.
type grantView struct {
	TrialLeft   int        `json:"trialLeft"`
	AccessUntil *time.Time `json:"accessUntil"`
	PaidUntil   *time.Time `json:"paidUntil"`
	PromoUntil  *time.Time `json:"promoUntil"`
	HasAccess   bool       `json:"hasAccess"`
	Basis       string     `json:"basis,omitempty"`
}

func decisionView(grant *access.Grant, decision access.Decision) grantView {
	view := grantView{
		TrialLeft:   decision.TrialLeft,
		AccessUntil: decision.AccessUntil,
		HasAccess:   decision.HasAccess,
		Basis:       string(decision.Basis),
	}
	if grant != nil {
		view.PaidUntil = grant.PaidUntil
		view.PromoUntil = grant.PromoUntil
	}
	return view
}

func (a *App) viewOf(grant access.Grant) grantView {
	return decisionView(&grant, access.Evaluate(grant, time.Now().UTC(), a.settings))
}

// bindOptionalJSON accepts an empty body as the zero payload.
func bindOptionalJSON(c *gin.Context, payload any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return mustJSON(c, payload)
}

// requirePrincipal returns the caller resolved by principalMiddleware.
func requirePrincipal(c *gin.Context) (access.Principal, bool) {
	p, ok := principalFromContext(c)
	if !ok || p.IdentityKey() == "" {
		writeError(c, http.StatusUnauthorized, "Missing caller identity")
		return access.Principal{}, false
	}
	return p, true
}

// requireUser is requirePrincipal for endpoints that need a signed-in account.
func requireUser(c *gin.Context) (access.Principal, bool) {
	p, ok := requirePrincipal(c)
	if !ok {
		return access.Principal{}, false
	}
	if !p.IsUser() {
		writeError(c, http.StatusUnauthorized, "Sign in required")
		return access.Principal{}, false
	}
	return p, true
}
