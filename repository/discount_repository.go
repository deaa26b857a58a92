package repository

import (
	"context"
	"strings"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDiscountRepository implements DiscountRepository using GORM.
type GormDiscountRepository struct {
	db *gorm.DB
}

func NewGormDiscountRepository(db *gorm.DB) *GormDiscountRepository {
	return &GormDiscountRepository{db: db}
}

func (r *GormDiscountRepository) Create(ctx context.Context, d *models.Discount) error {
	d.Code = strings.ToUpper(d.Code)
	return translate(conn(ctx, r.db).Create(d).Error)
}

// FindByCode matches case-insensitively. Inactive codes are returned too so the
// evaluator can explain why they fail.
func (r *GormDiscountRepository) FindByCode(ctx context.Context, code string) (*models.Discount, error) {
	var d models.Discount
	err := conn(ctx, r.db).
		Where("LOWER(code) = ?", strings.ToLower(code)).
		First(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *GormDiscountRepository) CountUsagesByUser(ctx context.Context, discountID, userID uuid.UUID) (int, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&models.DiscountUsage{}).
		Where("discount_id = ? AND user_id = ?", discountID, userID).
		Count(&count).Error
	if err != nil {
		return 0, translate(err)
	}
	return int(count), nil
}

// RecordUsage inserts with ON CONFLICT DO NOTHING so a replayed order never
// aborts the surrounding transaction or counts twice.
func (r *GormDiscountRepository) RecordUsage(ctx context.Context, usage *models.DiscountUsage) error {
	db := conn(ctx, r.db)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(usage)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return translate(db.
		Model(&models.Discount{}).
		Where("id = ?", usage.DiscountID).
		UpdateColumn("used_count", gorm.Expr("used_count + 1")).
		Error)
}
