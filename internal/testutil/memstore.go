// Package testutil holds in-memory stand-ins for the Postgres stores.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"turbotaai/apps/backend/internal/access"
)

// MemoryStore implements access.GrantStore and access.OrderStore. Each method
// holds the mutex for its whole body, which mirrors single-statement updates.
// Setting Fail makes every call return that error.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]*access.Grant
	orders map[string]*access.Order
	Fail   error
	Calls  map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]*access.Grant),
		orders: make(map[string]*access.Order),
		Calls:  make(map[string]int),
	}
}

func (m *MemoryStore) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}

func (m *MemoryStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// Put seeds a grant directly, bypassing Create.
func (m *MemoryStore) Put(g access.Grant) access.Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = now
	}
	stored := g
	m.grants[g.ID] = &stored
	return stored
}

// Get returns the grant of key without counting a call.
func (m *MemoryStore) Get(key string) (access.Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.byKey(key)
	if g == nil {
		return access.Grant{}, false
	}
	return *g, true
}

func (m *MemoryStore) Order(ref string) (access.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[ref]
	if !ok {
		return access.Order{}, false
	}
	return *o, true
}

func (m *MemoryStore) enter(name string) error {
	m.Calls[name]++
	return m.Fail
}

func (m *MemoryStore) byKey(key string) *access.Grant {
	matches := make([]*access.Grant, 0, 1)
	for _, g := range m.grants {
		if g.IdentityKey == key {
			matches = append(matches, g)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches[0]
}

func (m *MemoryStore) mutate(id string, fn func(g *access.Grant)) (access.Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return access.Grant{}, access.ErrGrantNotFound
	}
	fn(g)
	g.UpdatedAt = time.Now().UTC()
	return *g, nil
}

func (m *MemoryStore) FindByIdentity(_ context.Context, key string) (*access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindByIdentity"); err != nil {
		return nil, err
	}
	g := m.byKey(key)
	if g == nil {
		return nil, nil
	}
	copied := *g
	return &copied, nil
}

func (m *MemoryStore) FindLegacyByUser(_ context.Context, userID string) (*access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindLegacyByUser"); err != nil {
		return nil, err
	}
	var found *access.Grant
	for _, g := range m.grants {
		if g.UserID == nil || *g.UserID != userID || g.IdentityKey == access.AccountKey(userID) {
			continue
		}
		if found == nil || g.UpdatedAt.After(found.UpdatedAt) {
			found = g
		}
	}
	if found == nil {
		return nil, nil
	}
	copied := *found
	return &copied, nil
}

func (m *MemoryStore) Create(_ context.Context, key string, seed access.NewGrant) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Create"); err != nil {
		return access.Grant{}, err
	}
	if existing := m.byKey(key); existing != nil {
		return *existing, nil
	}
	now := time.Now().UTC()
	g := &access.Grant{
		ID:                 uuid.NewString(),
		IdentityKey:        key,
		UserID:             seed.UserID,
		DeviceHash:         seed.DeviceHash,
		TrialQuestionsLeft: seed.TrialDefault,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.grants[g.ID] = g
	return *g, nil
}

func (m *MemoryStore) AtomicDecrementTrial(_ context.Context, id string) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AtomicDecrementTrial"); err != nil {
		return access.Grant{}, err
	}
	g, ok := m.grants[id]
	if !ok || g.TrialQuestionsLeft <= 0 {
		return access.Grant{}, access.ErrTrialExhausted
	}
	return m.mutate(id, func(g *access.Grant) { g.TrialQuestionsLeft-- })
}

func (m *MemoryStore) LowerTrial(_ context.Context, id string, ceiling int) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LowerTrial"); err != nil {
		return access.Grant{}, err
	}
	return m.mutate(id, func(g *access.Grant) {
		g.TrialQuestionsLeft = max(min(g.TrialQuestionsLeft, ceiling), 0)
	})
}

func (m *MemoryStore) MigrateIdentity(_ context.Context, id, newKey, userID string) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MigrateIdentity"); err != nil {
		return access.Grant{}, err
	}
	if existing := m.byKey(newKey); existing != nil && existing.ID != id {
		return access.Grant{}, access.ErrDuplicateIdentity
	}
	return m.mutate(id, func(g *access.Grant) {
		g.IdentityKey = newKey
		uid := userID
		g.UserID = &uid
		g.DeviceHash = nil
	})
}

func (m *MemoryStore) ExtendPromo(_ context.Context, id string, months int, now time.Time) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ExtendPromo"); err != nil {
		return access.Grant{}, err
	}
	return m.mutate(id, func(g *access.Grant) {
		until := access.ExtendFrom(g.PromoUntil, now, months, 0)
		g.PromoUntil = &until
	})
}

func (m *MemoryStore) RaisePaidUntil(_ context.Context, id string, until time.Time) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RaisePaidUntil"); err != nil {
		return access.Grant{}, err
	}
	return m.mutate(id, func(g *access.Grant) {
		if g.PaidUntil == nil || until.After(*g.PaidUntil) {
			u := until.UTC()
			g.PaidUntil = &u
		}
	})
}

func (m *MemoryStore) CancelPromo(_ context.Context, id string, trialDefault int) (access.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CancelPromo"); err != nil {
		return access.Grant{}, err
	}
	return m.mutate(id, func(g *access.Grant) {
		g.PromoUntil = nil
		if g.TrialQuestionsLeft <= 0 {
			g.TrialQuestionsLeft = trialDefault
		}
	})
}

func (m *MemoryStore) Delete(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return 0, err
	}
	var deleted int64
	for id, g := range m.grants {
		if g.IdentityKey == key {
			delete(m.grants, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order access.Order) (access.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateOrder"); err != nil {
		return access.Order{}, err
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = access.PaymentPending
	}
	stored := order
	m.orders[order.Reference] = &stored
	return stored, nil
}

func (m *MemoryStore) FindOrder(_ context.Context, ref string) (access.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindOrder"); err != nil {
		return access.Order{}, err
	}
	o, ok := m.orders[ref]
	if !ok {
		return access.Order{}, access.ErrOrderNotFound
	}
	return *o, nil
}

func (m *MemoryStore) SetOrderStatus(_ context.Context, ref string, status access.PaymentStatus) (access.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetOrderStatus"); err != nil {
		return access.Order{}, err
	}
	o, ok := m.orders[ref]
	if !ok {
		return access.Order{}, access.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	return *o, nil
}

func (m *MemoryStore) ApplyPaidOrder(_ context.Context, ref string, days int, now time.Time) (access.Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ApplyPaidOrder"); err != nil {
		return access.Grant{}, false, err
	}
	o, ok := m.orders[ref]
	if !ok {
		return access.Grant{}, false, access.ErrOrderNotFound
	}
	g := m.byKey(o.IdentityKey)
	if g == nil {
		return access.Grant{}, false, access.ErrGrantNotFound
	}
	if o.AppliedAt != nil || o.Status != access.PaymentPaid {
		return *g, false, nil
	}
	applied := now.UTC()
	o.AppliedAt = &applied
	updated, err := m.mutate(g.ID, func(g *access.Grant) {
		until := access.ExtendFrom(g.PaidUntil, now, 0, days)
		g.PaidUntil = &until
	})
	return updated, err == nil, err
}

func (m *MemoryStore) ClaimOrders(_ context.Context, deviceHash, userID, accountKey string) ([]access.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ClaimOrders"); err != nil {
		return nil, err
	}
	claimed := make([]access.Order, 0)
	for _, o := range m.orders {
		if o.OwnerID != nil || o.DeviceHash == nil || !strings.EqualFold(*o.DeviceHash, deviceHash) {
			continue
		}
		owner := userID
		o.OwnerID = &owner
		o.IdentityKey = accountKey
		o.UpdatedAt = time.Now().UTC()
		claimed = append(claimed, *o)
	}
	return claimed, nil
}

var (
	_ access.GrantStore = (*MemoryStore)(nil)
	_ access.OrderStore = (*MemoryStore)(nil)
)
