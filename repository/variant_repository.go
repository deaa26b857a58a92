package repository

import (
	"context"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormVariantRepository implements VariantRepository using GORM
type GormVariantRepository struct {
	db *gorm.DB
}

func NewGormVariantRepository(db *gorm.DB) *GormVariantRepository {
	return &GormVariantRepository{db: db}
}

func (r *GormVariantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	var v models.ProductVariant
	if err := conn(ctx, r.db).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (r *GormVariantRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	var v models.ProductVariant
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&v).Error
	if err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (r *GormVariantRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.ProductVariant, error) {
	var variants []models.ProductVariant
	if len(ids) == 0 {
		return variants, nil
	}
	if err := conn(ctx, r.db).Where("id IN ?", ids).Find(&variants).Error; err != nil {
		return nil, translate(err)
	}
	return variants, nil
}

func (r *GormVariantRepository) Create(ctx context.Context, v *models.ProductVariant) error {
	if v.Version == 0 {
		v.Version = 1
	}
	return translate(conn(ctx, r.db).Create(v).Error)
}

func (r *GormVariantRepository) Update(ctx context.Context, v *models.ProductVariant) error {
	expected := v.Version
	v.Version = expected + 1
	res := conn(ctx, r.db).
		Model(v).
		Where("version = ?", expected).
		Select("*").
		Omit("CreatedAt").
		Updates(v)
	if res.Error != nil {
		v.Version = expected
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		v.Version = expected
		return ErrConcurrencyConflict
	}
	return nil
}
