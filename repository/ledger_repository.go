package repository

import (
	"context"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormLedgerRepository appends stock movements. It never updates or deletes rows.
type GormLedgerRepository struct {
	db *gorm.DB
}

func NewGormLedgerRepository(db *gorm.DB) *GormLedgerRepository {
	return &GormLedgerRepository{db: db}
}

// Append returns ErrDuplicateKey when the idempotency key was already written.
func (r *GormLedgerRepository) Append(ctx context.Context, entry *models.StockLedgerEntry) error {
	return translate(conn(ctx, r.db).Create(entry).Error)
}

func (r *GormLedgerRepository) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&models.StockLedgerEntry{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error
	if err != nil {
		return false, translate(err)
	}
	return count > 0, nil
}

func (r *GormLedgerRepository) FindByReference(ctx context.Context, reference string) ([]models.StockLedgerEntry, error) {
	var entries []models.StockLedgerEntry
	err := conn(ctx, r.db).
		Where("reference_number = ?", reference).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

func (r *GormLedgerRepository) FindByVariant(ctx context.Context, variantID uuid.UUID, page, limit int) ([]models.StockLedgerEntry, int64, error) {
	page, limit = normalizePage(page, limit)
	var entries []models.StockLedgerEntry
	var total int64

	query := conn(ctx, r.db).Model(&models.StockLedgerEntry{}).Where("variant_id = ?", variantID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}

	offset := (page - 1) * limit
	if err := query.
		Offset(offset).
		Limit(limit).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, translate(err)
	}
	return entries, total, nil
}
