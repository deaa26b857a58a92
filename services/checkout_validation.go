package services

import (
	"context"
	"errors"
	"strings"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type cartLine struct {
	variant  *models.ProductVariant
	quantity int
}

func stockLines(lines []cartLine) []StockLine {
	out := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, StockLine{VariantID: l.variant.ID, Quantity: l.quantity})
	}
	return out
}

// validateCart requires a non-empty cart in which every variant exists and is
// active and every price the client expects is still current.
func (s *CheckoutService) validateCart(ctx context.Context, req CheckoutRequest, plan *checkoutPlan) *ServiceError {
	cart, err := s.cart.GetCart(ctx, req.UserID.String())
	if err != nil {
		return unavailableError("Cart is temporarily unavailable", err)
	}
	if cart.IsEmpty() {
		return validationError("Cart is empty", nil)
	}

	ids, quantities := cart.Quantities()
	variants, err := s.store.Variants.FindByIDs(ctx, ids)
	if err != nil {
		return storageError("Failed to load cart items", err)
	}
	byID := make(map[uuid.UUID]*models.ProductVariant, len(variants))
	for i := range variants {
		byID[variants[i].ID] = &variants[i]
	}

	expected := make(map[uuid.UUID]decimal.Decimal)
	for _, item := range cart.Items {
		if _, ok := expected[item.VariantID]; !ok && item.PriceAtAddTime.IsPositive() {
			expected[item.VariantID] = item.PriceAtAddTime
		}
	}
	for _, p := range req.ExpectedPrices {
		expected[p.VariantID] = p.Price
	}

	var violations []LineViolation
	var drifts []PriceDrift
	for _, id := range ids {
		v, ok := byID[id]
		switch {
		case !ok:
			violations = append(violations, LineViolation{VariantID: id, Reason: "item no longer exists"})
			continue
		case !v.IsActive:
			violations = append(violations, LineViolation{VariantID: id, SKU: v.SKU, Reason: "item is not available"})
			continue
		case quantities[id] <= 0:
			violations = append(violations, LineViolation{VariantID: id, SKU: v.SKU, Reason: "quantity must be positive"})
			continue
		}
		if want, ok := expected[id]; ok && !want.Equal(v.SellingPrice) {
			drifts = append(drifts, PriceDrift{VariantID: id, SKU: v.SKU, Expected: want, Current: v.SellingPrice})
		}
		plan.lines = append(plan.lines, cartLine{variant: v, quantity: quantities[id]})
	}
	if len(violations) > 0 {
		return validationError("Some cart items cannot be ordered", violations)
	}
	if len(drifts) > 0 {
		return priceDriftError(drifts)
	}
	return nil
}

// resolveAddress checks that an existing address belongs to the user. A new
// address is persisted with the order, never before.
func (s *CheckoutService) resolveAddress(ctx context.Context, req CheckoutRequest, plan *checkoutPlan) *ServiceError {
	switch {
	case req.AddressID != nil:
		a, err := s.store.Addresses.GetByID(ctx, *req.AddressID)
		if errors.Is(err, repository.ErrNotFound) {
			return validationError("Address not found", nil)
		}
		if err != nil {
			return storageError("Failed to load address", err)
		}
		if a.UserID != req.UserID {
			return forbiddenError("Address does not belong to the user")
		}
		plan.address = a.Snapshot()
		plan.addressID = &a.ID
	case req.Address != nil:
		a := &models.Address{
			ID:         uuid.New(),
			UserID:     req.UserID,
			FullName:   strings.TrimSpace(req.Address.FullName),
			Phone:      strings.TrimSpace(req.Address.Phone),
			Line1:      strings.TrimSpace(req.Address.Line1),
			Line2:      strings.TrimSpace(req.Address.Line2),
			City:       strings.TrimSpace(req.Address.City),
			State:      strings.TrimSpace(req.Address.State),
			PostalCode: strings.TrimSpace(req.Address.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(req.Address.Country)),
		}
		if a.FullName == "" || a.Line1 == "" || a.City == "" || a.PostalCode == "" || len(a.Country) != 2 {
			return validationError("Shipping address is incomplete", nil)
		}
		plan.address = a.Snapshot()
		if req.SaveAddress {
			plan.newAddress = a
			plan.addressID = &a.ID
		}
	default:
		return validationError("A shipping address is required", nil)
	}
	return nil
}

// resolveShipping loads the chosen shipping method, which must be active.
func (s *CheckoutService) resolveShipping(ctx context.Context, req CheckoutRequest, plan *checkoutPlan) *ServiceError {
	m, err := s.store.Shipping.GetActiveMethod(ctx, req.ShippingMethodID)
	if errors.Is(err, repository.ErrNotFound) {
		return validationError("Shipping method not found or inactive", nil)
	}
	if err != nil {
		return storageError("Failed to load shipping method", err)
	}
	plan.shipping = m
	return nil
}

// snapshotItems freezes prices. They are never read from the variant again.
func (s *CheckoutService) snapshotItems(_ context.Context, _ CheckoutRequest, plan *checkoutPlan) *ServiceError {
	plan.items = make([]models.OrderItem, 0, len(plan.lines))
	for _, l := range plan.lines {
		plan.items = append(plan.items, models.NewOrderItem(l.variant, l.quantity))
	}
	return nil
}

// validateStock reports every short line, not just the first.
func (s *CheckoutService) validateStock(ctx context.Context, _ CheckoutRequest, plan *checkoutPlan) *ServiceError {
	shortfalls, err := s.inventory.ValidateBatchAvailability(ctx, stockLines(plan.lines))
	if err != nil {
		return storageError("Failed to check stock", err)
	}
	if len(shortfalls) > 0 {
		return stockShortfallError(shortfalls)
	}
	return nil
}

// validateLineRules enforces per-variant minimum and maximum order quantities.
func (s *CheckoutService) validateLineRules(_ context.Context, _ CheckoutRequest, plan *checkoutPlan) *ServiceError {
	var violations []LineViolation
	for _, l := range plan.lines {
		if reason := l.variant.OrderQuantityViolation(l.quantity); reason != "" {
			violations = append(violations, LineViolation{VariantID: l.variant.ID, SKU: l.variant.SKU, Reason: reason})
		}
	}
	if len(violations) > 0 {
		return validationError("Some cart items break ordering rules", violations)
	}
	return nil
}

// priceDiscount fails the checkout when a supplied code does not apply.
func (s *CheckoutService) priceDiscount(ctx context.Context, req CheckoutRequest, plan *checkoutPlan) *ServiceError {
	code := strings.TrimSpace(req.DiscountCode)
	if code == "" {
		return nil
	}
	total := decimal.Zero
	lines := make([]models.DiscountLine, 0, len(plan.items))
	for _, item := range plan.items {
		total = total.Add(item.LineTotal)
		lines = append(lines, models.DiscountLine{ProductID: item.ProductID, CategoryID: item.CategoryID, LineTotal: item.LineTotal})
	}

	result, err := s.discounts.ApplyDiscountToOrder(ctx, code, total, req.UserID, lines)
	if err != nil {
		return storageError("Failed to evaluate discount code", err)
	}
	if !result.Success {
		return validationError(result.Reason, map[string]string{"discount_code": code})
	}
	plan.discount = &result
	return nil
}
