package access

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// Order is one checkout attempt. IdentityKey names the grant a confirmed
// payment extends.
type Order struct {
	Reference   string
	IdentityKey string
	DeviceHash  *string
	OwnerID     *string
	Amount      string
	Currency    string
	Status      PaymentStatus
	AppliedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderStore interface {
	CreateOrder(ctx context.Context, order Order) (Order, error)
	// FindOrder returns ErrOrderNotFound when ref is unknown.
	FindOrder(ctx context.Context, ref string) (Order, error)
	SetOrderStatus(ctx context.Context, ref string, status PaymentStatus) (Order, error)
	// ApplyPaidOrder extends paidUntil of the order's grant by days and marks
	// the order applied, in one statement. applied is false when the order
	// had already been applied.
	ApplyPaidOrder(ctx context.Context, ref string, days int, now time.Time) (grant Grant, applied bool, err error)
	// ClaimOrders re-points orders of deviceHash that have no owner yet.
	ClaimOrders(ctx context.Context, deviceHash, userID, accountKey string) ([]Order, error)
}

// PaymentEvent is what the payment integration hands over once the provider
// reports on an order.
type PaymentEvent struct {
	OrderReference string
	Status         PaymentStatus
	Amount         string
	Currency       string
}

type PaymentOutcome struct {
	Order   Order
	Grant   *Grant
	Applied bool
}

// Payments turns confirmed payments into paidUntil extensions. It never fails
// open: a confirmation that cannot be stored is an error for the caller.
type Payments struct {
	grants     GrantStore
	orders     OrderStore
	reconciler *Reconciler
	settings   Settings
	Now        Clock
}

func NewPayments(grants GrantStore, orders OrderStore, reconciler *Reconciler, settings Settings) *Payments {
	return &Payments{grants: grants, orders: orders, reconciler: reconciler, settings: settings}
}

func (p *Payments) CreateOrder(ctx context.Context, principal Principal, amount, currency string) (Order, error) {
	key := principal.IdentityKey()
	if key == "" {
		return Order{}, invalid("principal", "identity is missing")
	}
	if _, err := parseAmount(amount); err != nil {
		return Order{}, invalid("amount", "amount must be a positive number")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Order{}, invalid("currency", "currency is required")
	}
	if p.orders == nil {
		return Order{}, ErrNotConfigured
	}

	order := Order{
		Reference:   "TA-" + uuid.NewString(),
		IdentityKey: key,
		DeviceHash:  stringPtr(principal.DeviceHash),
		Amount:      strings.TrimSpace(amount),
		Currency:    currency,
		Status:      PaymentPending,
	}
	if principal.IsUser() {
		order.OwnerID = stringPtr(principal.UserID)
	}
	created, err := p.orders.CreateOrder(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return created, nil
}

// Confirm records the provider status on the order and, for a paid order,
// extends the grant exactly once. Replays of the same event are harmless.
func (p *Payments) Confirm(ctx context.Context, evt PaymentEvent) (PaymentOutcome, error) {
	evt.OrderReference = strings.TrimSpace(evt.OrderReference)
	if evt.OrderReference == "" {
		return PaymentOutcome{}, invalid("order_reference", "order reference is required")
	}
	if !evt.Status.Valid() {
		return PaymentOutcome{}, invalid("status", "unknown payment status")
	}
	if p.orders == nil || p.grants == nil {
		return PaymentOutcome{}, ErrNotConfigured
	}

	order, err := p.orders.FindOrder(ctx, evt.OrderReference)
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("find order: %w", err)
	}
	if err := matchAmount(order, evt); err != nil {
		return PaymentOutcome{}, err
	}
	if order.Status == PaymentPaid && evt.Status != PaymentPaid {
		log.Printf("ignoring status downgrade order_reference=%s status=%s", order.Reference, evt.Status)
		return PaymentOutcome{Order: order}, nil
	}

	order, err = p.orders.SetOrderStatus(ctx, order.Reference, evt.Status)
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("set order status: %w", err)
	}
	if evt.Status != PaymentPaid {
		return PaymentOutcome{Order: order}, nil
	}

	now := p.Now.now()
	target, err := p.ensureOrderGrant(ctx, order)
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("ensure order grant: %w", err)
	}
	if order.AppliedAt == nil {
		if err := p.carryGuestPaid(ctx, order, target, now); err != nil {
			return PaymentOutcome{}, err
		}
	}
	grant, applied, err := p.orders.ApplyPaidOrder(ctx, order.Reference, p.settings.PaidPeriodDays, now)
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("apply paid order: %w", err)
	}
	if applied {
		log.Printf("payment applied order_reference=%s identity_key=%s paid_until=%v", order.Reference, order.IdentityKey, grant.PaidUntil)
	}
	return PaymentOutcome{Order: order, Grant: &grant, Applied: applied}, nil
}

func (p *Payments) ensureOrderGrant(ctx context.Context, order Order) (Grant, error) {
	if IsAccountKey(order.IdentityKey) {
		reconciler := p.reconciler
		if reconciler == nil {
			reconciler = NewReconciler(p.grants, nil, p.settings)
		}
		return reconciler.EnsureAccount(ctx, strings.TrimPrefix(order.IdentityKey, accountKeyPrefix))
	}
	return ensureGrant(ctx, p.grants, order.IdentityKey, NewGrant{
		DeviceHash:   stringPtr(order.IdentityKey),
		TrialDefault: p.settings.TrialDefault,
	})
}

// carryGuestPaid raises the account grant of an order placed on a device to
// the paid window that device still holds, so the new period stacks on the
// window the buyer already sees.
func (p *Payments) carryGuestPaid(ctx context.Context, order Order, account Grant, now time.Time) error {
	if !IsAccountKey(order.IdentityKey) || order.DeviceHash == nil {
		return nil
	}
	guest, err := p.grants.FindByIdentity(ctx, *order.DeviceHash)
	if err != nil {
		return fmt.Errorf("find guest grant: %w", err)
	}
	if guest == nil || guest.PaidUntil == nil || !guest.PaidUntil.After(now) {
		return nil
	}
	if account.PaidUntil != nil && !guest.PaidUntil.After(*account.PaidUntil) {
		return nil
	}
	if _, err := p.grants.RaisePaidUntil(ctx, account.ID, *guest.PaidUntil); err != nil {
		return fmt.Errorf("carry guest paid window: %w", err)
	}
	return nil
}

func matchAmount(order Order, evt PaymentEvent) error {
	if strings.TrimSpace(evt.Currency) != "" && !strings.EqualFold(strings.TrimSpace(evt.Currency), order.Currency) {
		return invalid("currency", "currency does not match order")
	}
	if strings.TrimSpace(evt.Amount) == "" {
		return nil
	}
	want, err := parseAmount(order.Amount)
	if err != nil {
		return invalid("amount", "order amount is malformed")
	}
	got, err := parseAmount(evt.Amount)
	if err != nil || math.Abs(want-got) >= 0.005 {
		return invalid("amount", "amount does not match order")
	}
	return nil
}

func parseAmount(raw string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}
	return value, nil
}
