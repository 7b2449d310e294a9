package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"turbotaai/apps/backend/internal/access"
	"turbotaai/apps/backend/internal/config"
	"turbotaai/apps/backend/internal/identity"
	"turbotaai/apps/backend/internal/payment"
)

const principalContextKey = "principal"

// Deps are the collaborators behind the access core. Any of them may be nil:
// a missing grant store makes access checks fail open and every write fail
// with 503.
type Deps struct {
	Grants   access.GrantStore
	Orders   access.OrderStore
	Locker   access.Locker
	Limiter  access.AttemptLimiter
	Verifier identity.TokenVerifier
}

type App struct {
	cfg      config.Config
	db       *pgxpool.Pool
	settings access.Settings

	grants     access.GrantStore
	resolver   *identity.Resolver
	reconciler *access.Reconciler
	gate       *access.Gate
	promotions *access.Promotions
	payments   *access.Payments
	claims     *access.Claims
	wayforpay  payment.WayForPay
}

func Settings(cfg config.Config) access.Settings {
	return access.Settings{
		TrialDefault:   cfg.TrialQuestionsDefault,
		PromoMonths:    cfg.PromoMonths,
		PaidPeriodDays: cfg.PaidPeriodDays,
	}
}

func New(cfg config.Config, db *pgxpool.Pool, deps Deps) *App {
	settings := Settings(cfg)
	reconciler := access.NewReconciler(deps.Grants, deps.Locker, settings)
	reconciler.LockTTL = cfg.ReconcileLockTTL()

	return &App{
		cfg:      cfg,
		db:       db,
		settings: settings,
		grants:   deps.Grants,
		resolver: &identity.Resolver{
			Verifier:      deps.Verifier,
			DeviceCookie:  cfg.DeviceCookieName,
			SessionCookie: cfg.SessionCookieName,
			CookieMaxAge:  cfg.DeviceCookieMaxAge(),
			CookieSecure:  cfg.CookieSecure,
		},
		reconciler: reconciler,
		gate:       access.NewGate(deps.Grants, reconciler, settings),
		promotions: access.NewPromotions(deps.Grants, reconciler, settings, cfg.PromoCode, deps.Limiter, cfg.PromoAttemptsPerMinute),
		payments:   access.NewPayments(deps.Grants, deps.Orders, reconciler, settings),
		claims:     access.NewClaims(deps.Grants, deps.Orders, reconciler),
		wayforpay: payment.WayForPay{
			MerchantAccount: cfg.WayForPayMerchant,
			SecretKey:       cfg.WayForPaySecretKey,
			Domain:          cfg.WayForPayDomain,
		},
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", identity.DeviceHeader, adminTokenHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	// Authenticated by signature or admin token rather than caller identity.
	hooks := router.Group(a.cfg.APIPrefix)
	hooks.POST("/billing/wayforpay/callback", a.wayforpayCallback)
	hooks.POST("/admin/grants/reset", a.adminResetGrant)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.principalMiddleware())

	api.POST("/access/check", a.accessCheck)
	api.POST("/auth/link", a.authLink)
	api.POST("/promo/redeem", a.promoRedeem)
	api.POST("/promo/cancel", a.promoCancel)
	api.POST("/claim", a.claim)
	api.POST("/billing/orders", a.createBillingOrder)

	return router
}

func (a *App) health(c *gin.Context) {
	store := "configured"
	if a.grants == nil {
		store = "not_configured"
	} else if a.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.Ping(ctx); err != nil {
			store = "unavailable"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "turbotaai-api",
		"store":   store,
	})
}

func (a *App) principalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := a.resolver.Resolve(c.Request.Context(), c.Request)
		if res.NewCookie != nil {
			http.SetCookie(c.Writer, res.NewCookie)
		}
		c.Set(principalContextKey, res.Principal)
		c.Next()
	}
}

func principalFromContext(c *gin.Context) (access.Principal, bool) {
	raw, ok := c.Get(principalContextKey)
	if !ok {
		return access.Principal{}, false
	}
	p, ok := raw.(access.Principal)
	return p, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

// writeAccessError maps access errors onto HTTP statuses.
func writeAccessError(c *gin.Context, op string, err error) {
	var validation *access.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(c, http.StatusBadRequest, validation.Detail)
	case errors.Is(err, access.ErrInvalidPromoCode):
		writeError(c, http.StatusBadRequest, "invalid_code")
	case errors.Is(err, access.ErrPromoDisabled):
		writeError(c, http.StatusNotFound, "Promo codes are not available")
	case errors.Is(err, access.ErrTooManyAttempts):
		writeError(c, http.StatusTooManyRequests, "Too many attempts, try again later")
	case errors.Is(err, access.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "Order not found")
	case errors.Is(err, access.ErrReconcileConflict):
		writeError(c, http.StatusConflict, "Account link in progress, retry")
	case errors.Is(err, access.ErrNotConfigured):
		writeError(c, http.StatusServiceUnavailable, "Entitlement store is not configured")
	default:
		log.Printf("%s failed err=%v", op, err)
		writeError(c, http.StatusInternalServerError, "Internal server error")
	}
}
