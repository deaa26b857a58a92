package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedVariant(t *testing.T, store repository.Store, stock int) *models.ProductVariant {
	t.Helper()
	v := &models.ProductVariant{
		ID:            uuid.New(),
		SKU:           "SKU-" + uuid.NewString()[:8],
		Name:          "Mug",
		SellingPrice:  decimal.RequireFromString("12.00"),
		StockQuantity: stock,
		IsActive:      true,
	}
	require.NoError(t, store.Variants.Create(context.Background(), v))
	return v
}

func TestMemory_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	v := seedVariant(t, store, 5)

	boom := errors.New("boom")
	err := store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := store.Variants.GetForUpdate(ctx, v.ID)
		require.NoError(t, err)
		entry, _, err := locked.Reserve(3, "ORD-1", time.Now())
		require.NoError(t, err)
		require.NoError(t, store.Variants.Update(ctx, locked))
		require.NoError(t, store.Ledger.Append(ctx, &entry))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := store.Variants.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.ReservedQuantity)
	assert.Equal(t, int64(1), after.Version)

	entries, total, err := store.Ledger.FindByVariant(ctx, v.ID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)
}

func TestMemory_NestedTransactionJoinsOuter(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()

	calls := 0
	err := store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		return store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
			calls++
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMemory_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(nil)
	mem.SetRetryPolicy(repository.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond})
	store := mem.Store()

	attempts := 0
	err := store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return repository.ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		attempts++
		return repository.ErrTransient
	})
	assert.ErrorIs(t, err, repository.ErrTransient)
	assert.Equal(t, 3, attempts, "one attempt plus two retries")

	attempts = 0
	err = store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		attempts++
		return repository.ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, repository.ErrConcurrencyConflict)
	assert.Equal(t, 1, attempts, "non-transient errors are not retried")
}

func TestMemory_RetryStopsOnCancelledContext(t *testing.T) {
	mem := repository.NewMemoryStore(nil)
	mem.SetRetryPolicy(repository.RetryPolicy{MaxRetries: 5, Backoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	err := mem.WithinTransaction(ctx, func(ctx context.Context) error {
		cancel()
		return repository.ErrTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_VersionedUpdate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	v := seedVariant(t, store, 5)

	first, _ := store.Variants.GetByID(ctx, v.ID)
	second, _ := store.Variants.GetByID(ctx, v.ID)

	first.StockQuantity = 6
	require.NoError(t, store.Variants.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.StockQuantity = 7
	assert.ErrorIs(t, store.Variants.Update(ctx, second), repository.ErrConcurrencyConflict)

	current, _ := store.Variants.GetByID(ctx, v.ID)
	assert.Equal(t, 6, current.StockQuantity)
}

func TestMemory_LedgerIdempotencyKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	variantID := uuid.New()
	key := models.LedgerIdempotencyKey(variantID, models.StockEventReservation, "ORD-1")

	require.NoError(t, store.Ledger.Append(ctx, &models.StockLedgerEntry{VariantID: variantID, IdempotencyKey: key}))
	err := store.Ledger.Append(ctx, &models.StockLedgerEntry{VariantID: variantID, IdempotencyKey: key})
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)

	exists, err := store.Ledger.ExistsByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemory_OrderIdempotencyIgnoresSoftDeleted(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	userID := uuid.New()

	first := &models.Order{ID: uuid.New(), OrderNumber: "ORD-A", UserID: userID, IdempotencyKey: "k1"}
	require.NoError(t, store.Orders.Create(ctx, first))

	dup := &models.Order{ID: uuid.New(), OrderNumber: "ORD-B", UserID: userID, IdempotencyKey: "k1"}
	assert.ErrorIs(t, store.Orders.Create(ctx, dup), repository.ErrDuplicateKey)

	require.NoError(t, store.Orders.SoftDelete(ctx, first.ID))
	_, err := store.Orders.FindByIdempotencyKey(ctx, userID, "k1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, store.Orders.Create(ctx, dup))
	found, err := store.Orders.FindByIdempotencyKey(ctx, userID, "k1")
	require.NoError(t, err)
	assert.Equal(t, dup.ID, found.ID)
}

func TestMemory_FindExpiredPayments(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	now := time.Now()

	open, _, err := models.InitiatePayment(uuid.New(), decimal.NewFromInt(10), "USD", "sandbox", 1, now.Add(-10*time.Minute))
	require.NoError(t, err)
	fresh, _, err := models.InitiatePayment(uuid.New(), decimal.NewFromInt(10), "USD", "sandbox", 20, now)
	require.NoError(t, err)
	done, _, err := models.InitiatePayment(uuid.New(), decimal.NewFromInt(10), "USD", "sandbox", 1, now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = done.MarkAsFailed("declined", now)
	require.NoError(t, err)

	for _, p := range []*models.PaymentTransaction{open, fresh, done} {
		require.NoError(t, store.Payments.Create(ctx, p))
	}

	expired, err := store.Payments.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, open.ID, expired[0].ID)
}

// Concurrent transactions that lock-read, reserve and write never oversell.
func TestMemory_ConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	v := seedVariant(t, store, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
				locked, err := store.Variants.GetForUpdate(ctx, v.ID)
				if err != nil {
					return err
				}
				entry, _, err := locked.Reserve(1, uuid.NewString(), time.Now())
				if err != nil {
					return err
				}
				if err := store.Variants.Update(ctx, locked); err != nil {
					return err
				}
				return store.Ledger.Append(ctx, &entry)
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	after, err := store.Variants.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, after.ReservedQuantity)
	assert.NoError(t, after.CheckInvariant())
}
