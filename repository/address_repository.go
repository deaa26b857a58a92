package repository

import (
	"context"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GormAddressRepository struct {
	db *gorm.DB
}

func NewGormAddressRepository(db *gorm.DB) *GormAddressRepository {
	return &GormAddressRepository{db: db}
}

func (r *GormAddressRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	var a models.Address
	if err := conn(ctx, r.db).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (r *GormAddressRepository) Create(ctx context.Context, a *models.Address) error {
	return translate(conn(ctx, r.db).Create(a).Error)
}

type GormShippingRepository struct {
	db *gorm.DB
}

func NewGormShippingRepository(db *gorm.DB) *GormShippingRepository {
	return &GormShippingRepository{db: db}
}

func (r *GormShippingRepository) Create(ctx context.Context, m *models.ShippingMethod) error {
	return translate(conn(ctx, r.db).Create(m).Error)
}

// GetActiveMethod returns ErrNotFound for unknown and inactive methods alike.
func (r *GormShippingRepository) GetActiveMethod(ctx context.Context, id uuid.UUID) (*models.ShippingMethod, error) {
	var m models.ShippingMethod
	if err := conn(ctx, r.db).Where("id = ? AND is_active = ?", id, true).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}
