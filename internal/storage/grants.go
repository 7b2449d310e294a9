// Package storage holds the Postgres and Redis backed implementations of the
// access stores, locker and limiter.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"turbotaai/apps/backend/internal/access"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

const grantColumns = `id, "identityKey", "userId", "deviceHash", "trialQuestionsLeft", "paidUntil", "promoUntil", "createdAt", "updatedAt"`

// GrantStore keeps access grants in the "AccessGrant" table. Every mutation
// is a single statement so concurrent requests never lose updates.
type GrantStore struct {
	db querier
}

func NewGrantStore(db querier) *GrantStore {
	return &GrantStore{db: db}
}

func scanGrant(row pgx.Row) (access.Grant, error) {
	var g access.Grant
	err := row.Scan(
		&g.ID,
		&g.IdentityKey,
		&g.UserID,
		&g.DeviceHash,
		&g.TrialQuestionsLeft,
		&g.PaidUntil,
		&g.PromoUntil,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return access.Grant{}, err
	}
	g.PaidUntil = utcPtr(g.PaidUntil)
	g.PromoUntil = utcPtr(g.PromoUntil)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return g, nil
}

// FindByIdentity prefers the most recently updated row should a table that
// predates the unique index still hold duplicates for key.
func (s *GrantStore) FindByIdentity(ctx context.Context, key string) (*access.Grant, error) {
	g, err := scanGrant(s.db.QueryRow(
		ctx,
		`SELECT `+grantColumns+` FROM "AccessGrant" WHERE "identityKey" = $1 ORDER BY "updatedAt" DESC LIMIT 1`,
		key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *GrantStore) FindLegacyByUser(ctx context.Context, userID string) (*access.Grant, error) {
	g, err := scanGrant(s.db.QueryRow(
		ctx,
		`SELECT `+grantColumns+`
		 FROM "AccessGrant"
		 WHERE "userId" = $1 AND "identityKey" <> $2
		 ORDER BY "updatedAt" DESC
		 LIMIT 1`,
		userID,
		access.AccountKey(userID),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *GrantStore) Create(ctx context.Context, key string, seed access.NewGrant) (access.Grant, error) {
	g, err := scanGrant(s.db.QueryRow(
		ctx,
		`INSERT INTO "AccessGrant" (id, "identityKey", "userId", "deviceHash", "trialQuestionsLeft", "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT ("identityKey") DO NOTHING
		 RETURNING `+grantColumns,
		uuid.NewString(),
		key,
		seed.UserID,
		seed.DeviceHash,
		max(seed.TrialDefault, 0),
	))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return access.Grant{}, err
	}

	// Lost the insert race; the winner's row is the grant.
	existing, err := s.FindByIdentity(ctx, key)
	if err != nil {
		return access.Grant{}, err
	}
	if existing == nil {
		return access.Grant{}, fmt.Errorf("grant %s vanished after conflicting insert", key)
	}
	return *existing, nil
}

func (s *GrantStore) AtomicDecrementTrial(ctx context.Context, id string) (access.Grant, error) {
	g, err := scanGrant(s.db.QueryRow(
		ctx,
		`UPDATE "AccessGrant"
		 SET "trialQuestionsLeft" = "trialQuestionsLeft" - 1,
		     "updatedAt" = NOW()
		 WHERE id = $1 AND "trialQuestionsLeft" > 0
		 RETURNING `+grantColumns,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Grant{}, access.ErrTrialExhausted
	}
	return g, err
}

func (s *GrantStore) LowerTrial(ctx context.Context, id string, ceiling int) (access.Grant, error) {
	return s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "trialQuestionsLeft" = GREATEST(LEAST("trialQuestionsLeft", $2), 0),
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id,
		ceiling,
	)
}

func (s *GrantStore) MigrateIdentity(ctx context.Context, id, newKey, userID string) (access.Grant, error) {
	g, err := s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "identityKey" = $2,
		     "userId" = $3,
		     "deviceHash" = NULL,
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id,
		newKey,
		userID,
	)
	if isUniqueViolation(err) {
		return access.Grant{}, access.ErrDuplicateIdentity
	}
	return g, err
}

func (s *GrantStore) ExtendPromo(ctx context.Context, id string, months int, now time.Time) (access.Grant, error) {
	return s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "promoUntil" = GREATEST(COALESCE("promoUntil", $3::timestamptz), $3::timestamptz) + make_interval(months => $2::int),
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id,
		months,
		now.UTC(),
	)
}

func (s *GrantStore) RaisePaidUntil(ctx context.Context, id string, until time.Time) (access.Grant, error) {
	return s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "paidUntil" = GREATEST(COALESCE("paidUntil", $2::timestamptz), $2::timestamptz),
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id,
		until.UTC(),
	)
}

func (s *GrantStore) CancelPromo(ctx context.Context, id string, trialDefault int) (access.Grant, error) {
	return s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "promoUntil" = NULL,
		     "trialQuestionsLeft" = CASE WHEN "trialQuestionsLeft" <= 0 THEN $2 ELSE "trialQuestionsLeft" END,
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id,
		trialDefault,
	)
}

func (s *GrantStore) Delete(ctx context.Context, key string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM "AccessGrant" WHERE "identityKey" = $1`, key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Seed writes a grant with explicit values, creating it when missing. It is
// used by the admin CLI for local testing.
func (s *GrantStore) Seed(ctx context.Context, key string, trial int, paidUntil *time.Time) (access.Grant, error) {
	seed := access.NewGrant{TrialDefault: trial}
	if access.IsAccountKey(key) {
		uid := strings.TrimPrefix(key, "account:")
		seed.UserID = &uid
	} else {
		hash := key
		seed.DeviceHash = &hash
	}
	g, err := s.Create(ctx, key, seed)
	if err != nil {
		return access.Grant{}, err
	}
	return s.updateOne(
		ctx,
		`UPDATE "AccessGrant"
		 SET "trialQuestionsLeft" = $2,
		     "paidUntil" = $3,
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING `+grantColumns,
		g.ID,
		max(trial, 0),
		paidUntil,
	)
}

func (s *GrantStore) updateOne(ctx context.Context, sql string, args ...any) (access.Grant, error) {
	g, err := scanGrant(s.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Grant{}, access.ErrGrantNotFound
	}
	return g, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ access.GrantStore = (*GrantStore)(nil)
