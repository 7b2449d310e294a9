package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"turbotaai/apps/backend/internal/access"
	"turbotaai/apps/backend/internal/payment"
)

func (a *App) createBillingOrder(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	if !a.wayforpay.Enabled() {
		writeError(c, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}

	order, err := a.payments.CreateOrder(c.Request.Context(), p, a.cfg.PriceAmount, a.cfg.PriceCurrency)
	if err != nil {
		writeAccessError(c, "create billing order", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_reference": order.Reference,
		"status":          order.Status,
		"purchase":        a.wayforpay.NewPurchase(order, a.cfg.ProductName),
	})
}

// wayforpayCallback handles the provider's service URL notification. Only a
// signed acknowledgement stops the provider from retrying.
func (a *App) wayforpayCallback(c *gin.Context) {
	if !a.wayforpay.Enabled() {
		writeError(c, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return
	}
	callback, err := payment.ParseCallback(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := a.wayforpay.Verify(callback); err != nil {
		log.Printf("wayforpay callback rejected order_reference=%s err=%v", callback.OrderReference, err)
		writeError(c, http.StatusBadRequest, "Invalid signature")
		return
	}

	outcome, err := a.payments.Confirm(c.Request.Context(), callback.Event())
	if err != nil {
		if errors.Is(err, access.ErrOrderNotFound) || access.IsValidation(err) {
			log.Printf("wayforpay callback not applied order_reference=%s err=%v", callback.OrderReference, err)
		}
		// Store failures get no acknowledgement so the provider retries.
		writeAccessError(c, "wayforpay callback", err)
		return
	}
	log.Printf(
		"wayforpay callback order_reference=%s status=%s applied=%t",
		outcome.Order.Reference,
		outcome.Order.Status,
		outcome.Applied,
	)

	c.JSON(http.StatusOK, a.wayforpay.Acknowledge(callback.OrderReference))
}
