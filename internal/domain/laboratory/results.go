package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RecordResult stores the measured value of an item, finalizing it, and
// completes the parent order when this was its last open item.
//
// A result for an item whose order was never started starts the order first,
// in the same transaction.
func (s *Service) RecordResult(ctx context.Context, itemID uuid.UUID, in ResultInput) (*AnalysisItem, error) {
	var out *AnalysisItem
	err := s.runTx(ctx, "record_result", func(ctx context.Context, fx *effects) error {
		it, err := s.lockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status.IsTerminal() {
			return newError(ErrAlreadyFinalized, "item", it.ID.String(), "item is "+string(it.Status))
		}
		value := strings.TrimSpace(in.FoundValue)
		if value == "" {
			return newError(ErrValidation, "item", it.ID.String(), "found_value is required")
		}

		res, err := s.resolveResult(ctx, it, value, in)
		if err != nil {
			return err
		}

		o, err := s.store.GetOrder(ctx, it.OrderID)
		if err != nil {
			return err
		}
		if o.Status == OrderPending {
			if err := s.startOrder(ctx, fx, o); err != nil {
				return err
			}
			if it, err = s.store.GetItem(ctx, it.ID); err != nil {
				return err
			}
		}
		if err := ValidateItemTransition(it.Status, ItemFinalized); err != nil {
			return withID(err, it.ID)
		}

		res.RecordedAt = s.now()
		if err := s.store.ApplyItemResult(ctx, it.ID, it.Status, res); err != nil {
			return err
		}
		if err := s.record(ctx, fx, EntityItem, it.OrderID, []uuid.UUID{it.ID}, string(it.Status), string(ItemFinalized), "", res.RecordedAt); err != nil {
			return err
		}
		fx.results++

		if err := s.evaluate(ctx, fx, it.OrderID); err != nil {
			return err
		}
		out, err = s.store.GetItem(ctx, it.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("item_id", out.ID.String()).Str("practice_code", out.PracticeCode).Msg("result recorded")
	return out, nil
}

// resolveResult applies the unit and reference precedence: caller values win,
// otherwise the catalog defaults, otherwise what the item was created with.
func (s *Service) resolveResult(ctx context.Context, it *AnalysisItem, value string, in ResultInput) (ItemResult, error) {
	res := ItemResult{
		FoundValue:     value,
		FoundUnit:      it.FoundUnit,
		ReferenceRange: it.ReferenceRange,
		Note:           strings.TrimSpace(in.Note),
	}

	e, err := s.catalog.GetCatalogEntry(ctx, it.PracticeCode)
	switch {
	case err == nil:
		res.FoundUnit = e.DefaultUnit
		res.ReferenceRange = e.DefaultReference
	case !errors.Is(err, ErrNotFound):
		return ItemResult{}, fmt.Errorf("lookup practice code %s: %w", it.PracticeCode, err)
	}

	if unit := strings.TrimSpace(in.Unit); unit != "" {
		res.FoundUnit = unit
	}
	// A blank override keeps the catalog range.
	if in.ReferenceOverride != nil {
		if ref := strings.TrimSpace(*in.ReferenceOverride); ref != "" {
			res.ReferenceRange = ref
		}
	}
	return res, nil
}
