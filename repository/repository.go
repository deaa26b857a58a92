package repository

import (
	"context"
	"time"

	"checkout-service/models"

	"github.com/google/uuid"
)

// VariantRepository defines data access for product variant stock.
type VariantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)
	// GetForUpdate reads the variant and holds a row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.ProductVariant, error)
	Create(ctx context.Context, v *models.ProductVariant) error
	// Update is a compare-and-swap on Version; a lost race returns ErrConcurrencyConflict.
	Update(ctx context.Context, v *models.ProductVariant) error
}

// LedgerRepository is append-only.
type LedgerRepository interface {
	Append(ctx context.Context, entry *models.StockLedgerEntry) error
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	FindByReference(ctx context.Context, reference string) ([]models.StockLedgerEntry, error)
	FindByVariant(ctx context.Context, variantID uuid.UUID, page, limit int) ([]models.StockLedgerEntry, int64, error)
}

type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDAndUserID(ctx context.Context, id, userID uuid.UUID) (*models.Order, error)
	FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error)
	FindByUserID(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, error)
	FindAll(ctx context.Context, page, limit int) ([]models.Order, int64, error)
	Update(ctx context.Context, order *models.Order) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type PaymentRepository interface {
	Create(ctx context.Context, p *models.PaymentTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	GetByAuthorityForUpdate(ctx context.Context, authority string) (*models.PaymentTransaction, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error)
	// FindExpired returns open transactions whose expiry passed before now.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PaymentTransaction, error)
	Update(ctx context.Context, p *models.PaymentTransaction) error
}

type DiscountRepository interface {
	Create(ctx context.Context, d *models.Discount) error
	FindByCode(ctx context.Context, code string) (*models.Discount, error)
	CountUsagesByUser(ctx context.Context, discountID, userID uuid.UUID) (int, error)
	// RecordUsage appends the usage and bumps the code's used count. A second
	// usage for the same (discount, order) is ignored.
	RecordUsage(ctx context.Context, usage *models.DiscountUsage) error
}

type AddressRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Address, error)
	Create(ctx context.Context, a *models.Address) error
}

type ShippingRepository interface {
	Create(ctx context.Context, m *models.ShippingMethod) error
	GetActiveMethod(ctx context.Context, id uuid.UUID) (*models.ShippingMethod, error)
}

// UnitOfWork runs fn inside one storage transaction. Repositories called with
// the ctx handed to fn join that transaction. Nested calls reuse the outer one.
type UnitOfWork interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles every repository of one backend.
type Store struct {
	Variants  VariantRepository
	Ledger    LedgerRepository
	Orders    OrderRepository
	Payments  PaymentRepository
	Discounts DiscountRepository
	Addresses AddressRepository
	Shipping  ShippingRepository
	UoW       UnitOfWork
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
