package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"turbotaai/apps/backend/internal/access"
)

const orderColumns = `"orderReference", "identityKey", "deviceHash", "ownerId", amount::text, currency, status, "appliedAt", "createdAt", "updatedAt"`

// OrderStore keeps checkout orders in the "BillingOrder" table.
type OrderStore struct {
	db querier
}

func NewOrderStore(db querier) *OrderStore {
	return &OrderStore{db: db}
}

func scanOrder(row pgx.Row) (access.Order, error) {
	var (
		o      access.Order
		status string
	)
	err := row.Scan(
		&o.Reference,
		&o.IdentityKey,
		&o.DeviceHash,
		&o.OwnerID,
		&o.Amount,
		&o.Currency,
		&status,
		&o.AppliedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return access.Order{}, err
	}
	o.Status = access.PaymentStatus(status)
	o.AppliedAt = utcPtr(o.AppliedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *OrderStore) CreateOrder(ctx context.Context, order access.Order) (access.Order, error) {
	status := order.Status
	if status == "" {
		status = access.PaymentPending
	}
	return scanOrder(s.db.QueryRow(
		ctx,
		`INSERT INTO "BillingOrder" ("orderReference", "identityKey", "deviceHash", "ownerId", amount, currency, status, "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NOW(), NOW())
		 RETURNING `+orderColumns,
		order.Reference,
		order.IdentityKey,
		order.DeviceHash,
		order.OwnerID,
		order.Amount,
		order.Currency,
		string(status),
	))
}

func (s *OrderStore) FindOrder(ctx context.Context, ref string) (access.Order, error) {
	o, err := scanOrder(s.db.QueryRow(
		ctx,
		`SELECT `+orderColumns+` FROM "BillingOrder" WHERE "orderReference" = $1`,
		ref,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Order{}, access.ErrOrderNotFound
	}
	return o, err
}

func (s *OrderStore) SetOrderStatus(ctx context.Context, ref string, status access.PaymentStatus) (access.Order, error) {
	o, err := scanOrder(s.db.QueryRow(
		ctx,
		`UPDATE "BillingOrder"
		 SET status = $2, "updatedAt" = NOW()
		 WHERE "orderReference" = $1
		 RETURNING `+orderColumns,
		ref,
		string(status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Order{}, access.ErrOrderNotFound
	}
	return o, err
}

// ApplyPaidOrder marks the order applied and extends the grant in a single
// statement. A second call for the same order matches no row and reports
// applied=false with the current grant.
func (s *OrderStore) ApplyPaidOrder(ctx context.Context, ref string, days int, now time.Time) (access.Grant, bool, error) {
	g, err := scanGrant(s.db.QueryRow(
		ctx,
		`WITH applied AS (
		   UPDATE "BillingOrder"
		   SET "appliedAt" = $3::timestamptz, "updatedAt" = NOW()
		   WHERE "orderReference" = $1 AND "appliedAt" IS NULL AND status = 'paid'
		     AND EXISTS (SELECT 1 FROM "AccessGrant" ag WHERE ag."identityKey" = "BillingOrder"."identityKey")
		   RETURNING "identityKey"
		 )
		 UPDATE "AccessGrant" g
		 SET "paidUntil" = GREATEST(COALESCE(g."paidUntil", $3::timestamptz), $3::timestamptz) + make_interval(days => $2::int),
		     "updatedAt" = NOW()
		 FROM applied
		 WHERE g."identityKey" = applied."identityKey"
		 RETURNING g.id, g."identityKey", g."userId", g."deviceHash", g."trialQuestionsLeft", g."paidUntil", g."promoUntil", g."createdAt", g."updatedAt"`,
		ref,
		days,
		now.UTC(),
	))
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return access.Grant{}, false, err
	}

	order, err := s.FindOrder(ctx, ref)
	if err != nil {
		return access.Grant{}, false, err
	}
	current, err := NewGrantStore(s.db).FindByIdentity(ctx, order.IdentityKey)
	if err != nil {
		return access.Grant{}, false, err
	}
	if current == nil {
		return access.Grant{}, false, access.ErrGrantNotFound
	}
	return *current, false, nil
}

// ClaimOrders re-points unowned orders placed from deviceHash to the account.
func (s *OrderStore) ClaimOrders(ctx context.Context, deviceHash, userID, accountKey string) ([]access.Order, error) {
	rows, err := s.db.Query(
		ctx,
		`UPDATE "BillingOrder"
		 SET "ownerId" = $2, "identityKey" = $3, "updatedAt" = NOW()
		 WHERE "deviceHash" = $1 AND "ownerId" IS NULL
		 RETURNING `+orderColumns,
		deviceHash,
		userID,
		accountKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]access.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, o)
	}
	return claimed, rows.Err()
}

var _ access.OrderStore = (*OrderStore)(nil)
