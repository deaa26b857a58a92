package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/models"
	"checkout-service/repository"

	aws_pkg "checkout-service/pkg/aws"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockLine is one (variant, quantity) demand.
type StockLine struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
}

// StockLevel is the admin view of a variant's counters.
type StockLevel struct {
	VariantID   uuid.UUID `json:"variant_id"`
	SKU         string    `json:"sku"`
	OnHand      int       `json:"on_hand"`
	Reserved    int       `json:"reserved"`
	Available   int       `json:"available"`
	IsUnlimited bool      `json:"is_unlimited"`
	Version     int64     `json:"version"`
}

// InventoryService owns stock reservations and the stock ledger. Every
// mutation locks the variant row, applies one ProductVariant operation and
// appends its ledger entry in the same transaction.
type InventoryService struct {
	variants repository.VariantRepository
	ledger   repository.LedgerRepository
	uow      repository.UnitOfWork
	events   *EventBus
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewInventoryService(store repository.Store, events *EventBus, metrics Metrics, logger *zap.Logger) *InventoryService {
	return &InventoryService{
		variants: store.Variants,
		ledger:   store.Ledger,
		uow:      store.UoW,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

type variantOp func(v *models.ProductVariant, now time.Time) (models.StockLedgerEntry, []models.DomainEvent, error)

// apply runs op against the locked variant. A movement whose idempotency key
// is already in the ledger is skipped, so replays are no-ops.
func (s *InventoryService) apply(ctx context.Context, variantID uuid.UUID, eventType models.StockEventType, ref string, op variantOp) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		v, err := s.variants.GetForUpdate(ctx, variantID)
		if err != nil {
			return fmt.Errorf("variant %s: %w", variantID, err)
		}
		key := models.LedgerIdempotencyKey(variantID, eventType, ref)
		done, err := s.ledger.ExistsByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if done {
			s.logger.Debug("Stock movement already applied",
				zap.String("variant_id", variantID.String()),
				zap.String("idempotency_key", key))
			return nil
		}
		entry, evs, err := op(v, s.now())
		if err != nil {
			return err
		}
		if err := s.variants.Update(ctx, v); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, &entry); err != nil {
			return err
		}
		events = evs
		return nil
	})
	return events, err
}

// Reserve puts a hold of qty units on the variant, correlated by ref.
func (s *InventoryService) Reserve(ctx context.Context, variantID uuid.UUID, qty int, ref string) ([]models.DomainEvent, error) {
	return s.apply(ctx, variantID, models.StockEventReservation, ref, func(v *models.ProductVariant, now time.Time) (models.StockLedgerEntry, []models.DomainEvent, error) {
		return v.Reserve(qty, ref, now)
	})
}

func (s *InventoryService) Release(ctx context.Context, variantID uuid.UUID, qty int, ref string) ([]models.DomainEvent, error) {
	return s.apply(ctx, variantID, models.StockEventReservationRelease, ref, func(v *models.ProductVariant, now time.Time) (models.StockLedgerEntry, []models.DomainEvent, error) {
		return v.Release(qty, ref, now)
	})
}

func (s *InventoryService) ConfirmReservation(ctx context.Context, variantID uuid.UUID, qty int, ref string) ([]models.DomainEvent, error) {
	return s.apply(ctx, variantID, models.StockEventReservationCommit, ref, func(v *models.ProductVariant, now time.Time) (models.StockLedgerEntry, []models.DomainEvent, error) {
		return v.ConfirmReservation(qty, ref, now)
	})
}

// ValidateBatchAvailability checks every line without locking and reports all
// unsatisfiable lines at once. Unknown variants are reported with zero available.
func (s *InventoryService) ValidateBatchAvailability(ctx context.Context, lines []StockLine) ([]StockShortfall, error) {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.VariantID)
	}
	variants, err := s.variants.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.ProductVariant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	var shortfalls []StockShortfall
	for _, l := range lines {
		v, ok := byID[l.VariantID]
		if !ok {
			shortfalls = append(shortfalls, StockShortfall{VariantID: l.VariantID, Requested: l.Quantity})
			continue
		}
		if !v.CanFulfil(l.Quantity) {
			shortfalls = append(shortfalls, StockShortfall{
				VariantID: v.ID,
				SKU:       v.SKU,
				Requested: l.Quantity,
				Available: max(v.AvailableStock(), 0),
			})
		}
	}
	return shortfalls, nil
}

// ReserveBatch reserves every line inside one transaction. Lines that lost a
// race since validation are collected into a single stock shortfall error
// and the transaction is rolled back.
func (s *InventoryService) ReserveBatch(ctx context.Context, lines []StockLine, ref string) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		var shortfalls []StockShortfall
		for _, l := range lines {
			evs, err := s.Reserve(ctx, l.VariantID, l.Quantity, ref)
			if errors.Is(err, models.ErrInsufficientStock) {
				shortfalls = append(shortfalls, s.shortfallFor(ctx, l))
				continue
			}
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}
		if len(shortfalls) > 0 {
			return stockShortfallError(shortfalls)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, aws_pkg.MetricInventoryReserved)
	return events, nil
}

func (s *InventoryService) shortfallFor(ctx context.Context, l StockLine) StockShortfall {
	sf := StockShortfall{VariantID: l.VariantID, Requested: l.Quantity}
	if v, err := s.variants.GetByID(ctx, l.VariantID); err == nil {
		sf.SKU = v.SKU
		sf.Available = max(v.AvailableStock(), 0)
	}
	return sf
}

// ReleaseBatch releases every line of ref. Release is clamped and keyed by
// ref, so running it twice for the same order changes nothing.
func (s *InventoryService) ReleaseBatch(ctx context.Context, lines []StockLine, ref string) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		for _, l := range lines {
			evs, err := s.Release(ctx, l.VariantID, l.Quantity, ref)
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, aws_pkg.MetricInventoryReleased)
	return events, nil
}

func (s *InventoryService) ConfirmBatch(ctx context.Context, lines []StockLine, ref string) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		for _, l := range lines {
			evs, err := s.ConfirmReservation(ctx, l.VariantID, l.Quantity, ref)
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, aws_pkg.MetricInventoryConfirmed)
	return events, nil
}

// AdjustStock applies an administrative correction in its own transaction
// and publishes the resulting event.
func (s *InventoryService) AdjustStock(ctx context.Context, variantID uuid.UUID, delta int, eventType models.StockEventType, ref string) (*StockLevel, *ServiceError) {
	if !eventType.IsAdjustmentType() {
		return nil, validationError(fmt.Sprintf("event type %q cannot be used for adjustments", eventType), nil)
	}
	if delta == 0 {
		return nil, validationError("delta must not be zero", nil)
	}
	if ref == "" {
		ref = "ADJ-" + uuid.NewString()
	}

	events, err := s.apply(ctx, variantID, eventType, ref, func(v *models.ProductVariant, now time.Time) (models.StockLedgerEntry, []models.DomainEvent, error) {
		return v.AdjustStock(delta, eventType, ref, now)
	})
	if errors.Is(err, models.ErrInvalidAdjustment) {
		return nil, validationError(err.Error(), nil)
	}
	if err != nil {
		return nil, storageError("Failed to adjust stock", err)
	}
	s.events.Dispatch(ctx, events)

	s.logger.Info("Stock adjusted",
		zap.String("variant_id", variantID.String()),
		zap.Int("delta", delta),
		zap.String("event_type", string(eventType)),
		zap.String("reference", ref),
	)
	return s.GetStock(ctx, variantID)
}

func (s *InventoryService) GetStock(ctx context.Context, variantID uuid.UUID) (*StockLevel, *ServiceError) {
	v, err := s.variants.GetByID(ctx, variantID)
	if err != nil {
		return nil, storageError("Variant not found", err)
	}
	return &StockLevel{
		VariantID:   v.ID,
		SKU:         v.SKU,
		OnHand:      v.StockQuantity,
		Reserved:    v.ReservedQuantity,
		Available:   v.AvailableStock(),
		IsUnlimited: v.IsUnlimited,
		Version:     v.Version,
	}, nil
}

func (s *InventoryService) Ledger(ctx context.Context, variantID uuid.UUID, page, limit int) ([]models.StockLedgerEntry, int64, *ServiceError) {
	entries, total, err := s.ledger.FindByVariant(ctx, variantID, page, limit)
	if err != nil {
		s.logger.Error("Failed to list ledger entries", zap.String("variant_id", variantID.String()), zap.Error(err))
		return nil, 0, storageError("Failed to list ledger entries", err)
	}
	return entries, total, nil
}

func (s *InventoryService) record(ctx context.Context, metric string) {
	if err := s.metrics.RecordCount(ctx, metric, map[string]string{"Service": "checkout"}); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}
