package repository

import (
	"context"
	"time"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPaymentRepository implements PaymentRepository using GORM
type GormPaymentRepository struct {
	db *gorm.DB
}

func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

func (r *GormPaymentRepository) Create(ctx context.Context, p *models.PaymentTransaction) error {
	return translate(conn(ctx, r.db).Create(p).Error)
}

func (r *GormPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return r.first(conn(ctx, r.db).Where("id = ?", id))
}

func (r *GormPaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return r.first(conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *GormPaymentRepository) GetByAuthorityForUpdate(ctx context.Context, authority string) (*models.PaymentTransaction, error) {
	return r.first(conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).Where("authority = ?", authority))
}

func (r *GormPaymentRepository) first(query *gorm.DB) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	if err := query.First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *GormPaymentRepository) FindByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := conn(ctx, r.db).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&payments).Error
	if err != nil {
		return nil, translate(err)
	}
	return payments, nil
}

func (r *GormPaymentRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := conn(ctx, r.db).
		Where("status IN ? AND expires_at < ?",
			[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, translate(err)
	}
	return payments, nil
}

func (r *GormPaymentRepository) Update(ctx context.Context, p *models.PaymentTransaction) error {
	expected := p.Version
	p.Version = expected + 1
	res := conn(ctx, r.db).
		Model(p).
		Where("version = ?", expected).
		Select("*").
		Omit("CreatedAt").
		Updates(p)
	if res.Error != nil {
		p.Version = expected
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		p.Version = expected
		return ErrConcurrencyConflict
	}
	return nil
}
