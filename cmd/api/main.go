package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"turbotaai/apps/backend/internal/config"
	"turbotaai/apps/backend/internal/db"
	"turbotaai/apps/backend/internal/identity"
	"turbotaai/apps/backend/internal/server"
	"turbotaai/apps/backend/internal/storage"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()
	deps := server.Deps{}

	var pool *pgxpool.Pool
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("DATABASE_URL is empty; access checks run without an entitlement store")
	} else {
		var err error
		pool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connect failed: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("database ping failed: %v", err)
		}
		if cfg.DBAutoMigrate {
			if err := db.EnsureSchema(ctx, pool); err != nil {
				log.Fatalf("database migrate failed: %v", err)
			}
		}
		if err := db.ValidateRuntimeSchema(ctx, pool); err != nil {
			log.Fatalf("database schema mismatch: %v", err)
		}
		deps.Grants = storage.NewGrantStore(pool)
		deps.Orders = storage.NewOrderStore(pool)
	}

	redisClient, err := storage.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		// Locking and rate limiting degrade to in-process behaviour.
		log.Printf("redis unavailable, continuing without it: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		deps.Locker = storage.NewRedisLocker(redisClient)
	}
	deps.Limiter = storage.NewRedisLimiter(redisClient, time.Minute)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("token verifier setup failed: %v", err)
	}
	deps.Verifier = verifier

	app := server.New(cfg, pool, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("turbotaai api listening on http://localhost:%s", cfg.AppPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// buildVerifier chains every configured token source. Session tokens are
// tried first since they are the common case.
func buildVerifier(cfg config.Config) (identity.TokenVerifier, error) {
	var chain identity.Chain
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		chain = append(chain, identity.HMACVerifier{
			Secret:    cfg.JWTSecret,
			Algorithm: cfg.JWTAlgorithm,
			Audience:  cfg.JWTAudience,
			Issuer:    cfg.JWTIssuer,
		})
	}
	if strings.TrimSpace(cfg.JWKSURL) != "" {
		jwks, err := identity.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwks)
	}
	if strings.TrimSpace(cfg.GoogleClientID) != "" {
		chain = append(chain, identity.NewGoogleVerifier(cfg.GoogleClientID))
	}
	if len(chain) == 0 {
		log.Printf("no token verifier configured; every caller is a guest device")
		return nil, nil
	}
	return chain, nil
}
