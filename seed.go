package main

import (
	"context"
	"errors"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Fixed IDs keep seeding repeatable across restarts.
var (
	demoProductID  = uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a01")
	demoCategoryID = uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a02")
	demoShippingID = uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a03")
	demoDiscountID = uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a04")
)

func demoVariants() []models.ProductVariant {
	return []models.ProductVariant{
		{
			ID:            uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a10"),
			ProductID:     demoProductID,
			CategoryID:    demoCategoryID,
			SKU:           "TSHIRT-BLK-M",
			Name:          "T-shirt black M",
			SellingPrice:  decimal.NewFromInt(25),
			PurchasePrice: decimal.NewFromInt(9),
			OriginalPrice: decimal.NewFromInt(30),
			StockQuantity: 10,
			IsActive:      true,
			Version:       1,
		},
		{
			ID:               uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a11"),
			ProductID:        demoProductID,
			CategoryID:       demoCategoryID,
			SKU:              "TSHIRT-BLK-L",
			Name:             "T-shirt black L",
			SellingPrice:     decimal.NewFromInt(25),
			PurchasePrice:    decimal.NewFromInt(9),
			OriginalPrice:    decimal.NewFromInt(30),
			StockQuantity:    5,
			IsActive:         true,
			MaxOrderQuantity: 3,
			Version:          1,
		},
		{
			ID:            uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a12"),
			ProductID:     uuid.MustParse("8f0c6a52-3b8e-4c1e-9a57-3d7f0b1c2a13"),
			CategoryID:    demoCategoryID,
			SKU:           "GIFT-CARD-50",
			Name:          "Gift card 50",
			SellingPrice:  decimal.NewFromInt(50),
			PurchasePrice: decimal.NewFromInt(50),
			OriginalPrice: decimal.NewFromInt(50),
			IsUnlimited:   true,
			IsActive:      true,
			Version:       1,
		},
	}
}

// seedDemoData creates a few variants, a shipping method and a discount code.
// Rows that already exist are left alone.
func seedDemoData(ctx context.Context, store repository.Store, logger *zap.Logger) error {
	skip := func(err error) error {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil
		}
		return err
	}

	for _, v := range demoVariants() {
		if err := skip(store.Variants.Create(ctx, &v)); err != nil {
			return err
		}
		logger.Info("Demo variant ready", zap.String("variant_id", v.ID.String()), zap.String("sku", v.SKU))
	}

	shipping := &models.ShippingMethod{
		ID:            demoShippingID,
		Name:          "Standard",
		Carrier:       "post",
		Cost:          decimal.NewFromInt(5),
		EstimatedDays: 3,
		IsActive:      true,
	}
	if err := skip(store.Shipping.Create(ctx, shipping)); err != nil {
		return err
	}

	discount := &models.Discount{
		ID:           demoDiscountID,
		Code:         "WELCOME10",
		Type:         models.DiscountTypePercentage,
		Value:        decimal.NewFromInt(10),
		PerUserLimit: 1,
		IsActive:     true,
	}
	if err := skip(store.Discounts.Create(ctx, discount)); err != nil {
		return err
	}

	logger.Info("Demo data seeded",
		zap.String("shipping_method_id", shipping.ID.String()),
		zap.String("discount_code", discount.Code),
	)
	return nil
}
