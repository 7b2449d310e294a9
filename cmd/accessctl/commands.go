package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"turbotaai/apps/backend/internal/access"
	"turbotaai/apps/backend/internal/config"
	"turbotaai/apps/backend/internal/db"
	"turbotaai/apps/backend/internal/identity"
	"turbotaai/apps/backend/internal/server"
	"turbotaai/apps/backend/internal/storage"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the grant of one identity",
	Run:   runShowCommand,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Hard-delete the grant of one identity",
	Run:   runResetCommand,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Merge a device grant into an account grant",
	Run:   runReconcileCommand,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or overwrite a grant for local testing",
	Run:   runSeedCommand,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the entitlement tables if they do not exist",
	Run:   runMigrateCommand,
}

func init() {
	for _, cmd := range []*cobra.Command{showCmd, resetCmd} {
		cmd.Flags().String("key", "", "Identity key (device hash or account:<userId>)")
		cmd.Flags().String("device-id", "", "Raw device id, hashed into the guest key")
		cmd.Flags().String("user-id", "", "User id, mapped to the account key")
	}

	reconcileCmd.Flags().String("device-hash", "", "Guest identity key")
	reconcileCmd.Flags().String("device-id", "", "Raw device id, hashed into the guest key")
	reconcileCmd.Flags().String("user-id", "", "Account user id (required)")
	reconcileCmd.MarkFlagRequired("user-id")

	seedCmd.Flags().String("key", "", "Identity key (required)")
	seedCmd.Flags().Int("trial", 5, "Trial questions left")
	seedCmd.Flags().Int("paid-days", 0, "Paid access days from now; 0 leaves paidUntil empty")
	seedCmd.MarkFlagRequired("key")
}

func runShowCommand(cmd *cobra.Command, args []string) {
	key := identityKeyFromFlags(cmd)
	ctx := context.Background()
	cfg, pool := openStore(ctx)
	defer pool.Close()

	grant, err := storage.NewGrantStore(pool).FindByIdentity(ctx, key)
	if err != nil {
		log.Fatalf("Failed to load grant: %v", err)
	}
	if grant == nil {
		fmt.Printf("No grant for %s\n", key)
		return
	}
	printGrant(*grant, server.Settings(cfg))
}

func runResetCommand(cmd *cobra.Command, args []string) {
	key := identityKeyFromFlags(cmd)
	ctx := context.Background()
	_, pool := openStore(ctx)
	defer pool.Close()

	deleted, err := access.ResetGrant(ctx, storage.NewGrantStore(pool), key)
	if err != nil {
		log.Fatalf("Failed to reset grant: %v", err)
	}
	fmt.Printf("Deleted %d grant(s) for %s\n", deleted, key)
}

func runReconcileCommand(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user-id")
	guestKey, _ := cmd.Flags().GetString("device-hash")
	if deviceID, _ := cmd.Flags().GetString("device-id"); strings.TrimSpace(deviceID) != "" {
		guestKey = identity.HashDeviceID(strings.TrimSpace(deviceID))
	}

	ctx := context.Background()
	cfg, pool := openStore(ctx)
	defer pool.Close()

	var locker access.Locker
	redisClient, err := storage.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: redis unavailable, reconciling without a lock: %v", err)
	} else if redisClient != nil {
		defer redisClient.Close()
		locker = storage.NewRedisLocker(redisClient)
	}

	settings := server.Settings(cfg)
	reconciler := access.NewReconciler(storage.NewGrantStore(pool), locker, settings)
	reconciler.LockTTL = cfg.ReconcileLockTTL()
	rec, err := reconciler.Reconcile(ctx, strings.TrimSpace(guestKey), userID)
	if err != nil {
		log.Fatalf("Failed to reconcile: %v", err)
	}

	fmt.Println("Account grant:")
	printGrant(rec.Account, settings)
	if rec.Guest != nil {
		fmt.Println("Guest grant:")
		printGrant(*rec.Guest, settings)
	}
	fmt.Println("Effective view:")
	printGrant(rec.Primary, settings)
}

func runSeedCommand(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	trial, _ := cmd.Flags().GetInt("trial")
	paidDays, _ := cmd.Flags().GetInt("paid-days")
	if trial < 0 {
		log.Fatalf("--trial must not be negative")
	}

	ctx := context.Background()
	cfg, pool := openStore(ctx)
	defer pool.Close()

	var paidUntil *time.Time
	if paidDays > 0 {
		until := time.Now().UTC().AddDate(0, 0, paidDays)
		paidUntil = &until
	}
	grant, err := storage.NewGrantStore(pool).Seed(ctx, strings.TrimSpace(key), trial, paidUntil)
	if err != nil {
		log.Fatalf("Failed to seed grant: %v", err)
	}
	fmt.Println("Seeded grant:")
	printGrant(grant, server.Settings(cfg))
}

func runMigrateCommand(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	_, pool := openStore(ctx)
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if err := db.ValidateRuntimeSchema(ctx, pool); err != nil {
		log.Fatalf("Schema check failed after migrate: %v", err)
	}
	fmt.Println("✓ Entitlement schema is up to date")
}

// openStore loads configuration (including .env) and connects to the
// database. Every command needs the store, so failures are fatal.
func openStore(ctx context.Context) (config.Config, *pgxpool.Pool) {
	cfg := config.Load()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	log.Println("Connecting to database...")
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Fatalf("Failed to ping database: %v", err)
	}
	return cfg, pool
}

func identityKeyFromFlags(cmd *cobra.Command) string {
	key, _ := cmd.Flags().GetString("key")
	deviceID, _ := cmd.Flags().GetString("device-id")
	userID, _ := cmd.Flags().GetString("user-id")
	switch {
	case strings.TrimSpace(key) != "":
		return strings.TrimSpace(key)
	case strings.TrimSpace(deviceID) != "":
		return identity.HashDeviceID(strings.TrimSpace(deviceID))
	case strings.TrimSpace(userID) != "":
		return access.AccountKey(userID)
	}
	log.Fatalf("one of --key, --device-id or --user-id is required")
	return ""
}

func printGrant(g access.Grant, settings access.Settings) {
	decision := access.Evaluate(g, time.Now().UTC(), settings)
	fmt.Printf("  id:           %s\n", g.ID)
	fmt.Printf("  identity key: %s\n", g.IdentityKey)
	fmt.Printf("  user id:      %s\n", valueOrDash(g.UserID))
	fmt.Printf("  trial left:   %d\n", g.TrialQuestionsLeft)
	fmt.Printf("  paid until:   %s\n", timeOrDash(g.PaidUntil))
	fmt.Printf("  promo until:  %s\n", timeOrDash(g.PromoUntil))
	fmt.Printf("  has access:   %t (%s)\n", decision.HasAccess, decisionBasis(decision))
	fmt.Printf("  updated at:   %s\n", g.UpdatedAt.Format(time.RFC3339))
}

func decisionBasis(d access.Decision) string {
	if d.Basis == access.BasisNone {
		return d.Reason
	}
	return string(d.Basis)
}

func valueOrDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
