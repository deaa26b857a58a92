package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryPolicy bounds how often a transaction is re-run after a transient failure.
// Backoff doubles on every attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 50 * time.Millisecond}
}

func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !IsTransient(err) || attempt >= policy.MaxRetries {
			return err
		}
		wait := policy.Backoff << attempt
		logger.Warn("Transient storage failure, retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type gormTxKey struct{}

// conn returns the transaction bound to ctx, or the pool.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(gormTxKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

// GormUnitOfWork implements UnitOfWork with gorm transactions.
type GormUnitOfWork struct {
	db     *gorm.DB
	policy RetryPolicy
	logger *zap.Logger
}

func NewGormUnitOfWork(db *gorm.DB, policy RetryPolicy, logger *zap.Logger) *GormUnitOfWork {
	return &GormUnitOfWork{db: db, policy: policy, logger: logger}
}

func (u *GormUnitOfWork) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(gormTxKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return withRetry(ctx, u.policy, u.logger, func() error {
		return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(context.WithValue(ctx, gormTxKey{}, tx))
		})
	})
}

// NewGormStore wires every gorm repository over db.
func NewGormStore(db *gorm.DB, policy RetryPolicy, logger *zap.Logger) Store {
	return Store{
		Variants:  NewGormVariantRepository(db),
		Ledger:    NewGormLedgerRepository(db),
		Orders:    NewGormOrderRepository(db),
		Payments:  NewGormPaymentRepository(db),
		Discounts: NewGormDiscountRepository(db),
		Addresses: NewGormAddressRepository(db),
		Shipping:  NewGormShippingRepository(db),
		UoW:       NewGormUnitOfWork(db, policy, logger),
	}
}
