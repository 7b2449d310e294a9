package server

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"turbotaai/apps/backend/internal/access"
)

func (a *App) accessCheck(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var payload accessCheckRequest
	if !bindOptionalJSON(c, &payload) {
		return
	}

	result, err := a.gate.Require(c.Request.Context(), p, payload.Consume)
	if err != nil {
		writeAccessError(c, "access check", err)
		return
	}

	body := gin.H{
		"ok":     result.OK,
		"status": result.Status,
		"reason": result.Reason,
		"grant":  decisionView(result.Grant, result.Decision),
	}
	if result.Unlimited {
		body["unlimited"] = true
	}
	c.JSON(result.Status, body)
}

func (a *App) authLink(c *gin.Context) {
	p, ok := requireUser(c)
	if !ok {
		return
	}

	rec, err := a.reconciler.Reconcile(c.Request.Context(), p.DeviceHash, p.UserID)
	if err != nil {
		writeAccessError(c, "auth link", err)
		return
	}
	log.Printf("account linked user_id=%s device_hash=%s guest_merged=%t", p.UserID, p.DeviceHash, rec.Guest != nil)

	c.JSON(http.StatusOK, gin.H{
		"identity_key": access.AccountKey(p.UserID),
		"grant":        a.viewOf(rec.Primary),
		"guest_merged": rec.Guest != nil,
	})
}

func (a *App) promoRedeem(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var payload promoRedeemRequest
	if !mustJSON(c, &payload) {
		return
	}

	grant, err := a.promotions.Redeem(c.Request.Context(), p, payload.Code)
	if err != nil {
		writeAccessError(c, "promo redeem", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"grant": a.viewOf(grant),
	})
}

func (a *App) promoCancel(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}

	cancelled, err := a.promotions.Cancel(c.Request.Context(), p)
	if err != nil {
		writeAccessError(c, "promo cancel", err)
		return
	}

	body := gin.H{
		"ok":        true,
		"cancelled": len(cancelled),
	}
	primary := p.IdentityKey()
	for _, grant := range cancelled {
		if grant.IdentityKey == primary {
			body["grant"] = a.viewOf(grant)
		}
	}
	c.JSON(http.StatusOK, body)
}

func (a *App) claim(c *gin.Context) {
	p, ok := requireUser(c)
	if !ok {
		return
	}

	result, err := a.claims.Claim(c.Request.Context(), p)
	if err != nil {
		writeAccessError(c, "claim", err)
		return
	}

	refs := make([]string, 0, len(result.Orders))
	for _, order := range result.Orders {
		refs = append(refs, order.Reference)
	}
	body := gin.H{
		"ok":      true,
		"claimed": len(refs),
		"orders":  refs,
	}
	if result.Account != nil {
		body["grant"] = a.viewOf(*result.Account)
	}
	c.JSON(http.StatusOK, body)
}
