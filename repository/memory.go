package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"checkout-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore keeps every aggregate in maps guarded by one RWMutex. A
// transaction holds the write lock for its whole duration, so reads inside it
// behave like locking reads, and a failed transaction restores a snapshot.
// Used by STORAGE_DRIVER=memory and by the service tests.
type MemoryStore struct {
	mu     sync.RWMutex
	policy RetryPolicy
	logger *zap.Logger

	variants  map[uuid.UUID]models.ProductVariant
	ledger    []models.StockLedgerEntry
	orders    map[uuid.UUID]models.Order
	payments  map[uuid.UUID]models.PaymentTransaction
	discounts map[uuid.UUID]models.Discount
	usages    []models.DiscountUsage
	addresses map[uuid.UUID]models.Address
	shipping  map[uuid.UUID]models.ShippingMethod
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		policy:    RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		logger:    logger,
		variants:  make(map[uuid.UUID]models.ProductVariant),
		orders:    make(map[uuid.UUID]models.Order),
		payments:  make(map[uuid.UUID]models.PaymentTransaction),
		discounts: make(map[uuid.UUID]models.Discount),
		addresses: make(map[uuid.UUID]models.Address),
		shipping:  make(map[uuid.UUID]models.ShippingMethod),
	}
}

func (m *MemoryStore) SetRetryPolicy(p RetryPolicy) {
	m.policy = p
}

// Store exposes the memory repositories through the Store bundle.
func (m *MemoryStore) Store() Store {
	return Store{
		Variants:  &memVariants{m},
		Ledger:    &memLedger{m},
		Orders:    &memOrders{m},
		Payments:  &memPayments{m},
		Discounts: &memDiscounts{m},
		Addresses: &memAddresses{m},
		Shipping:  &memShipping{m},
		UoW:       m,
	}
}

type memTxKey struct{}

func inMemTx(ctx context.Context) bool {
	v, ok := ctx.Value(memTxKey{}).(bool)
	return ok && v
}

func (m *MemoryStore) rlock(ctx context.Context) {
	if !inMemTx(ctx) {
		m.mu.RLock()
	}
}

func (m *MemoryStore) runlock(ctx context.Context) {
	if !inMemTx(ctx) {
		m.mu.RUnlock()
	}
}

func (m *MemoryStore) wlock(ctx context.Context) {
	if !inMemTx(ctx) {
		m.mu.Lock()
	}
}

func (m *MemoryStore) wunlock(ctx context.Context) {
	if !inMemTx(ctx) {
		m.mu.Unlock()
	}
}

type memSnapshot struct {
	variants  map[uuid.UUID]models.ProductVariant
	ledger    []models.StockLedgerEntry
	orders    map[uuid.UUID]models.Order
	payments  map[uuid.UUID]models.PaymentTransaction
	discounts map[uuid.UUID]models.Discount
	usages    []models.DiscountUsage
	addresses map[uuid.UUID]models.Address
	shipping  map[uuid.UUID]models.ShippingMethod
}

func (m *MemoryStore) snapshot() memSnapshot {
	return memSnapshot{
		variants:  maps.Clone(m.variants),
		ledger:    slices.Clone(m.ledger),
		orders:    maps.Clone(m.orders),
		payments:  maps.Clone(m.payments),
		discounts: maps.Clone(m.discounts),
		usages:    slices.Clone(m.usages),
		addresses: maps.Clone(m.addresses),
		shipping:  maps.Clone(m.shipping),
	}
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.variants = s.variants
	m.ledger = s.ledger
	m.orders = s.orders
	m.payments = s.payments
	m.discounts = s.discounts
	m.usages = s.usages
	m.addresses = s.addresses
	m.shipping = s.shipping
}

// WithinTransaction implements UnitOfWork.
func (m *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inMemTx(ctx) {
		return fn(ctx)
	}
	return withRetry(ctx, m.policy, m.logger, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		snap := m.snapshot()
		if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
			m.restore(snap)
			return err
		}
		return nil
	})
}

func pageOf[T any](items []T, page, limit int) []T {
	page, limit = normalizePage(page, limit)
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+limit, len(items))]
}

// --- variants ---

type memVariants struct{ s *MemoryStore }

func (r *memVariants) GetByID(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	v, ok := r.s.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (r *memVariants) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	return r.GetByID(ctx, id)
}

func (r *memVariants) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.ProductVariant, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	out := make([]models.ProductVariant, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.s.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *memVariants) Create(ctx context.Context, v *models.ProductVariant) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Version == 0 {
		v.Version = 1
	}
	for _, existing := range r.s.variants {
		if existing.SKU == v.SKU {
			return ErrDuplicateKey
		}
	}
	r.s.variants[v.ID] = *v
	return nil
}

func (r *memVariants) Update(ctx context.Context, v *models.ProductVariant) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	current, ok := r.s.variants[v.ID]
	if !ok || current.Version != v.Version {
		return ErrConcurrencyConflict
	}
	v.Version++
	v.UpdatedAt = time.Now()
	r.s.variants[v.ID] = *v
	return nil
}

// --- ledger ---

type memLedger struct{ s *MemoryStore }

func (r *memLedger) Append(ctx context.Context, entry *models.StockLedgerEntry) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	for _, e := range r.s.ledger {
		if e.IdempotencyKey == entry.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.s.ledger = append(r.s.ledger, *entry)
	return nil
}

func (r *memLedger) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	for _, e := range r.s.ledger {
		if e.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *memLedger) FindByReference(ctx context.Context, reference string) ([]models.StockLedgerEntry, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	var out []models.StockLedgerEntry
	for _, e := range r.s.ledger {
		if e.ReferenceNumber == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByVariant returns newest first.
func (r *memLedger) FindByVariant(ctx context.Context, variantID uuid.UUID, page, limit int) ([]models.StockLedgerEntry, int64, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	var out []models.StockLedgerEntry
	for i := len(r.s.ledger) - 1; i >= 0; i-- {
		if r.s.ledger[i].VariantID == variantID {
			out = append(out, r.s.ledger[i])
		}
	}
	return pageOf(out, page, limit), int64(len(out)), nil
}

// --- orders ---

type memOrders struct{ s *MemoryStore }

func cloneOrder(o models.Order) models.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func (r *memOrders) live(id uuid.UUID) (models.Order, bool) {
	o, ok := r.s.orders[id]
	if !ok || o.DeletedAt.Valid {
		return models.Order{}, false
	}
	return cloneOrder(o), true
}

func (r *memOrders) Create(ctx context.Context, order *models.Order) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	for _, o := range r.s.orders {
		if o.DeletedAt.Valid {
			continue
		}
		if o.OrderNumber == order.OrderNumber ||
			(o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey) {
			return ErrDuplicateKey
		}
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	r.s.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (r *memOrders) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	o, ok := r.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r *memOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *memOrders) FindByIDAndUserID(ctx context.Context, id, userID uuid.UUID) (*models.Order, error) {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

func (r *memOrders) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	for _, o := range r.s.orders {
		if !o.DeletedAt.Valid && o.UserID == userID && o.IdempotencyKey == key {
			cp := cloneOrder(o)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memOrders) list(ctx context.Context, keep func(models.Order) bool, page, limit int) ([]models.Order, int64, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	var out []models.Order
	for _, o := range r.s.orders {
		if !o.DeletedAt.Valid && keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return pageOf(out, page, limit), int64(len(out)), nil
}

func (r *memOrders) FindByUserID(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	return r.list(ctx, func(o models.Order) bool { return o.UserID == userID }, page, limit)
}

func (r *memOrders) FindAll(ctx context.Context, page, limit int) ([]models.Order, int64, error) {
	return r.list(ctx, func(models.Order) bool { return true }, page, limit)
}

func (r *memOrders) Update(ctx context.Context, order *models.Order) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	current, ok := r.live(order.ID)
	if !ok || current.Version != order.Version {
		return ErrConcurrencyConflict
	}
	order.Version++
	order.UpdatedAt = time.Now()
	stored := cloneOrder(*order)
	stored.Items = current.Items
	r.s.orders[order.ID] = stored
	return nil
}

func (r *memOrders) SoftDelete(ctx context.Context, id uuid.UUID) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	o, ok := r.live(id)
	if !ok {
		return ErrNotFound
	}
	o.DeletedAt.Time = time.Now()
	o.DeletedAt.Valid = true
	r.s.orders[id] = o
	return nil
}

// --- payments ---

type memPayments struct{ s *MemoryStore }

func (r *memPayments) Create(ctx context.Context, p *models.PaymentTransaction) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	for _, existing := range r.s.payments {
		if existing.Authority == p.Authority {
			return ErrDuplicateKey
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	r.s.payments[p.ID] = *p
	return nil
}

func (r *memPayments) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	p, ok := r.s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memPayments) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return r.GetByID(ctx, id)
}

func (r *memPayments) GetByAuthorityForUpdate(ctx context.Context, authority string) (*models.PaymentTransaction, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	for _, p := range r.s.payments {
		if p.Authority == authority {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPayments) FindByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	var out []models.PaymentTransaction
	for _, p := range r.s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memPayments) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PaymentTransaction, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	var out []models.PaymentTransaction
	for _, p := range r.s.payments {
		if p.Status.IsOpen() && p.ExpiresAt.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPayments) Update(ctx context.Context, p *models.PaymentTransaction) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	current, ok := r.s.payments[p.ID]
	if !ok || current.Version != p.Version {
		return ErrConcurrencyConflict
	}
	for id, other := range r.s.payments {
		if id != p.ID && other.Authority == p.Authority {
			return ErrDuplicateKey
		}
	}
	p.Version++
	p.UpdatedAt = time.Now()
	r.s.payments[p.ID] = *p
	return nil
}

// --- discounts ---

type memDiscounts struct{ s *MemoryStore }

func (r *memDiscounts) Create(ctx context.Context, d *models.Discount) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	d.Code = strings.ToUpper(d.Code)
	for _, existing := range r.s.discounts {
		if existing.Code == d.Code {
			return ErrDuplicateKey
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	r.s.discounts[d.ID] = *d
	return nil
}

func (r *memDiscounts) FindByCode(ctx context.Context, code string) (*models.Discount, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	for _, d := range r.s.discounts {
		if strings.EqualFold(d.Code, code) {
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memDiscounts) CountUsagesByUser(ctx context.Context, discountID, userID uuid.UUID) (int, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	n := 0
	for _, u := range r.s.usages {
		if u.DiscountID == discountID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memDiscounts) RecordUsage(ctx context.Context, usage *models.DiscountUsage) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	for _, u := range r.s.usages {
		if u.DiscountID == usage.DiscountID && u.OrderID == usage.OrderID {
			return nil
		}
	}
	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	r.s.usages = append(r.s.usages, *usage)
	if d, ok := r.s.discounts[usage.DiscountID]; ok {
		d.UsedCount++
		r.s.discounts[d.ID] = d
	}
	return nil
}

// --- addresses and shipping ---

type memAddresses struct{ s *MemoryStore }

func (r *memAddresses) GetByID(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	a, ok := r.s.addresses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memAddresses) Create(ctx context.Context, a *models.Address) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.s.addresses[a.ID] = *a
	return nil
}

type memShipping struct{ s *MemoryStore }

func (r *memShipping) Create(ctx context.Context, m *models.ShippingMethod) error {
	r.s.wlock(ctx)
	defer r.s.wunlock(ctx)
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.s.shipping[m.ID] = *m
	return nil
}

func (r *memShipping) GetActiveMethod(ctx context.Context, id uuid.UUID) (*models.ShippingMethod, error) {
	r.s.rlock(ctx)
	defer r.s.runlock(ctx)
	m, ok := r.s.shipping[id]
	if !ok || !m.IsActive {
		return nil, ErrNotFound
	}
	return &m, nil
}
