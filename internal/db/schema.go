package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS "AccessGrant" (
	   id TEXT PRIMARY KEY,
	   "identityKey" TEXT NOT NULL,
	   "userId" TEXT,
	   "deviceHash" TEXT,
	   "trialQuestionsLeft" INTEGER NOT NULL DEFAULT 0,
	   "paidUntil" TIMESTAMPTZ,
	   "promoUntil" TIMESTAMPTZ,
	   "createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	   "updatedAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS "AccessGrant_identityKey_key" ON "AccessGrant" ("identityKey")`,
	`CREATE INDEX IF NOT EXISTS "AccessGrant_userId_idx" ON "AccessGrant" ("userId")`,
	`CREATE TABLE IF NOT EXISTS "BillingOrder" (
	   "orderReference" TEXT PRIMARY KEY,
	   "identityKey" TEXT NOT NULL,
	   "deviceHash" TEXT,
	   "ownerId" TEXT,
	   amount NUMERIC(12, 2) NOT NULL,
	   currency TEXT NOT NULL,
	   status TEXT NOT NULL DEFAULT 'pending',
	   "appliedAt" TIMESTAMPTZ,
	   "createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	   "updatedAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
	`CREATE INDEX IF NOT EXISTS "BillingOrder_deviceHash_idx" ON "BillingOrder" ("deviceHash")`,
}

// EnsureSchema creates the grant and order tables when missing. It is safe to
// run on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func ValidateRuntimeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	requiredColumns := []struct {
		table  string
		column string
	}{
		{table: "AccessGrant", column: "identityKey"},
		{table: "AccessGrant", column: "trialQuestionsLeft"},
		{table: "AccessGrant", column: "paidUntil"},
		{table: "AccessGrant", column: "promoUntil"},
		{table: "BillingOrder", column: "appliedAt"},
		{table: "BillingOrder", column: "ownerId"},
	}

	for _, item := range requiredColumns {
		ok, err := columnExists(ctx, pool, item.table, item.column)
		if err != nil {
			return fmt.Errorf(
				"failed checking schema for %s.%s: %w",
				item.table,
				item.column,
				err,
			)
		}
		if !ok {
			return fmt.Errorf(
				"required column %s.%s is missing; run accessctl migrate or start with DB_AUTO_MIGRATE=true",
				item.table,
				item.column,
			)
		}
	}

	return nil
}

func columnExists(ctx context.Context, pool *pgxpool.Pool, tableName, columnName string) (bool, error) {
	table := strings.TrimSpace(tableName)
	column := strings.TrimSpace(columnName)
	if table == "" || column == "" {
		return false, fmt.Errorf("table/column must not be empty")
	}
	var exists bool
	err := pool.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM information_schema.columns
		   WHERE table_schema = current_schema()
		     AND lower(table_name) = lower($1)
		     AND lower(column_name) = lower($2)
		 )`,
		table,
		column,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
