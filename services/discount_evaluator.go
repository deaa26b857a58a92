package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DiscountEvaluator prices discount codes. Rule violations come back as a
// failed DiscountResult; only storage failures are errors.
type DiscountEvaluator struct {
	repo   repository.DiscountRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewDiscountEvaluator(repo repository.DiscountRepository, logger *zap.Logger) *DiscountEvaluator {
	return &DiscountEvaluator{repo: repo, logger: logger, now: time.Now}
}

// ApplyDiscountToOrder evaluates code for userID against the order total and
// its lines. The user's prior usage count is read from the usage log.
func (e *DiscountEvaluator) ApplyDiscountToOrder(ctx context.Context, code string, orderTotal decimal.Decimal, userID uuid.UUID, lines []models.DiscountLine) (models.DiscountResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.DiscountResult{Reason: "no discount code supplied", DiscountAmount: decimal.Zero}, nil
	}

	d, err := e.repo.FindByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return models.DiscountResult{Reason: "discount code not found", DiscountAmount: decimal.Zero}, nil
	}
	if err != nil {
		return models.DiscountResult{}, err
	}

	used := 0
	if d.PerUserLimit > 0 {
		if used, err = e.repo.CountUsagesByUser(ctx, d.ID, userID); err != nil {
			return models.DiscountResult{}, err
		}
	}

	result := d.Evaluate(models.DiscountInput{
		OrderTotal:      orderTotal,
		Lines:           lines,
		PriorUsageCount: used,
		Now:             e.now(),
	})
	if !result.Success {
		e.logger.Info("Discount code rejected",
			zap.String("code", d.Code),
			zap.String("user_id", userID.String()),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

// RecordUsage appends the usage of the order's discount, if any. It runs
// inside the transaction that marks the order paid.
func (e *DiscountEvaluator) RecordUsage(ctx context.Context, order *models.Order) error {
	if order.DiscountID == nil {
		return nil
	}
	return e.repo.RecordUsage(ctx, &models.DiscountUsage{
		ID:         uuid.New(),
		DiscountID: *order.DiscountID,
		UserID:     order.UserID,
		OrderID:    order.ID,
		Amount:     order.DiscountAmount,
		CreatedAt:  e.now(),
	})
}

// CreateDiscountRequest is the admin payload for a new code.
type CreateDiscountRequest struct {
	Code                 string              `json:"code" binding:"required,min=3,max=64"`
	Type                 models.DiscountType `json:"type" binding:"required,oneof=percentage fixed"`
	Value                decimal.Decimal     `json:"value" binding:"required"`
	MaxDiscountAmount    *decimal.Decimal    `json:"max_discount_amount"`
	MinOrderAmount       decimal.Decimal     `json:"min_order_amount"`
	StartsAt             *time.Time          `json:"starts_at"`
	ExpiresAt            *time.Time          `json:"expires_at"`
	UsageLimit           int                 `json:"usage_limit" binding:"min=0"`
	PerUserLimit         int                 `json:"per_user_limit" binding:"min=0"`
	ApplicableProductIDs []uuid.UUID         `json:"applicable_product_ids"`
	ApplicableCategories []uuid.UUID         `json:"applicable_category_ids"`
}

func (e *DiscountEvaluator) CreateDiscount(ctx context.Context, req *CreateDiscountRequest) (*models.Discount, *ServiceError) {
	if !req.Value.IsPositive() {
		return nil, validationError("Discount value must be positive", nil)
	}
	if req.Type == models.DiscountTypePercentage && req.Value.GreaterThan(decimal.NewFromInt(100)) {
		return nil, validationError("Percentage discount cannot exceed 100", nil)
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.StartsAt) {
		return nil, validationError("Expiry must be after the start date", nil)
	}

	d := &models.Discount{
		ID:                   uuid.New(),
		Code:                 strings.ToUpper(strings.TrimSpace(req.Code)),
		Type:                 req.Type,
		Value:                req.Value,
		MaxDiscountAmount:    req.MaxDiscountAmount,
		MinOrderAmount:       req.MinOrderAmount,
		StartsAt:             req.StartsAt,
		ExpiresAt:            req.ExpiresAt,
		UsageLimit:           req.UsageLimit,
		PerUserLimit:         req.PerUserLimit,
		ApplicableProductIDs: req.ApplicableProductIDs,
		ApplicableCategories: req.ApplicableCategories,
		IsActive:             true,
	}
	if err := e.repo.Create(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, &ServiceError{StatusCode: 409, Kind: KindValidation, Message: "Discount code already exists"}
		}
		e.logger.Error("Failed to create discount", zap.Error(err))
		return nil, storageError("Failed to create discount", err)
	}

	e.logger.Info("Discount created", zap.String("code", d.Code), zap.String("type", string(d.Type)))
	return d, nil
}
