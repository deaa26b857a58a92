package repository

import (
	"context"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOrderRepository implements OrderRepository using GORM
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Create inserts the order with its items. A second live order for the same
// (user, idempotency key) fails with ErrDuplicateKey.
func (r *GormOrderRepository) Create(ctx context.Context, order *models.Order) error {
	return translate(conn(ctx, r.db).Create(order).Error)
}

func (r *GormOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := conn(ctx, r.db).Preload("Items").Where("id = ?", id).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// GetForUpdate locks the order row; items are read in a second query.
func (r *GormOrderRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	db := conn(ctx, r.db)
	var order models.Order
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	if err := db.Where("order_id = ?", order.ID).Find(&order.Items).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *GormOrderRepository) FindByIDAndUserID(ctx context.Context, id, userID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := conn(ctx, r.db).
		Preload("Items").
		Where("id = ? AND user_id = ?", id, userID).
		First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *GormOrderRepository) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	var order models.Order
	if err := conn(ctx, r.db).
		Preload("Items").
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *GormOrderRepository) FindByUserID(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	return r.paginate(conn(ctx, r.db).Model(&models.Order{}).Where("user_id = ?", userID), page, limit)
}

func (r *GormOrderRepository) FindAll(ctx context.Context, page, limit int) ([]models.Order, int64, error) {
	return r.paginate(conn(ctx, r.db).Model(&models.Order{}), page, limit)
}

func (r *GormOrderRepository) paginate(query *gorm.DB, page, limit int) ([]models.Order, int64, error) {
	page, limit = normalizePage(page, limit)
	var orders []models.Order
	var total int64

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}

	offset := (page - 1) * limit
	if err := query.
		Preload("Items").
		Offset(offset).
		Limit(limit).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, 0, translate(err)
	}
	return orders, total, nil
}

// Update writes every column of the order row guarded by its version. Items
// are immutable after creation and are not touched.
func (r *GormOrderRepository) Update(ctx context.Context, order *models.Order) error {
	expected := order.Version
	order.Version = expected + 1
	res := conn(ctx, r.db).
		Model(order).
		Where("version = ?", expected).
		Select("*").
		Omit("Items", "CreatedAt", "DeletedAt").
		Updates(order)
	if res.Error != nil {
		order.Version = expected
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		order.Version = expected
		return ErrConcurrencyConflict
	}
	return nil
}

func (r *GormOrderRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res := conn(ctx, r.db).Where("id = ?", id).Delete(&models.Order{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
