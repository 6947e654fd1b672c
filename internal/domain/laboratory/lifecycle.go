package laboratory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// StartProcessing moves a pending order and its pending items to
// in_progress. An order that is already in progress is left as is.
func (s *Service) StartProcessing(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var out *Order
	err := s.runTx(ctx, "start_processing", func(ctx context.Context, fx *effects) error {
		o, err := s.store.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == OrderInProgress {
			out = o
			return nil
		}
		if err := ValidateOrderTransition(o.Status, OrderInProgress); err != nil {
			return withID(err, o.ID)
		}
		if err := s.startOrder(ctx, fx, o); err != nil {
			return err
		}
		if err := s.evaluate(ctx, fx, o.ID); err != nil {
			return err
		}
		out, err = s.store.GetOrder(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// startOrder performs pending -> in_progress on a locked order, cascading to
// its pending items.
func (s *Service) startOrder(ctx context.Context, fx *effects, o *Order) error {
	at := s.now()
	if err := s.store.ApplyOrderTransition(ctx, o.ID, OrderPending, OrderInProgress, at); err != nil {
		return err
	}
	started, err := s.store.StartItems(ctx, o.ID, at)
	if err != nil {
		return err
	}
	if err := s.record(ctx, fx, EntityOrder, o.ID, []uuid.UUID{o.ID}, string(OrderPending), string(OrderInProgress), "", at); err != nil {
		return err
	}
	if err := s.record(ctx, fx, EntityItem, o.ID, started, string(ItemPending), string(ItemInProgress), "", at); err != nil {
		return err
	}
	s.logger.Debug().Str("order_id", o.ID.String()).Int("items", len(started)).Msg("order processing started")
	return nil
}

// CancelOrder cancels a pending or in-progress order together with every
// item that is still open. Cancelling a cancelled order is a no-op.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*Order, error) {
	var out *Order
	err := s.runTx(ctx, "cancel_order", func(ctx context.Context, fx *effects) error {
		o, err := s.store.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == OrderCancelled {
			out = o
			return nil
		}
		if err := ValidateOrderTransition(o.Status, OrderCancelled); err != nil {
			return withID(err, o.ID)
		}

		at := s.now()
		if err := s.store.ApplyOrderTransition(ctx, o.ID, o.Status, OrderCancelled, at); err != nil {
			return err
		}
		// Item history needs each item's previous status.
		items, err := s.store.GetItems(ctx, o.ID)
		if err != nil {
			return err
		}
		cancelled, err := s.store.CancelOpenItems(ctx, o.ID, at)
		if err != nil {
			return err
		}
		if err := s.recordItemCancels(ctx, fx, o.ID, items, cancelled, reason, at); err != nil {
			return err
		}
		if err := s.record(ctx, fx, EntityOrder, o.ID, []uuid.UUID{o.ID}, string(o.Status), string(OrderCancelled), reason, at); err != nil {
			return err
		}
		fx.events = append(fx.events, OrderEvent{OrderID: o.ID, OrderNumber: o.OrderNumber, Status: OrderCancelled, Timestamp: at})

		out, err = s.store.GetOrder(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", out.ID.String()).Str("reason", reason).Msg("order cancelled")
	return out, nil
}

func (s *Service) recordItemCancels(ctx context.Context, fx *effects, orderID uuid.UUID, before []*AnalysisItem, cancelled []uuid.UUID, reason string, at time.Time) error {
	prev := make(map[uuid.UUID]ItemStatus, len(before))
	for _, it := range before {
		prev[it.ID] = it.Status
	}
	byStatus := map[ItemStatus][]uuid.UUID{}
	for _, id := range cancelled {
		byStatus[prev[id]] = append(byStatus[prev[id]], id)
	}
	for _, from := range []ItemStatus{ItemPending, ItemInProgress} {
		if err := s.record(ctx, fx, EntityItem, orderID, byStatus[from], string(from), string(ItemCancelled), reason, at); err != nil {
			return err
		}
	}
	return nil
}

// CancelItem cancels a single open item and then re-evaluates the parent
// order, which may complete as a result.
func (s *Service) CancelItem(ctx context.Context, itemID uuid.UUID, reason string) (*AnalysisItem, error) {
	var out *AnalysisItem
	err := s.runTx(ctx, "cancel_item", func(ctx context.Context, fx *effects) error {
		it, err := s.lockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status.IsTerminal() {
			return newError(ErrAlreadyFinalized, "item", it.ID.String(), "item is "+string(it.Status))
		}

		at := s.now()
		if err := s.store.ApplyItemTransition(ctx, it.ID, it.Status, ItemCancelled, at); err != nil {
			return err
		}
		if err := s.record(ctx, fx, EntityItem, it.OrderID, []uuid.UUID{it.ID}, string(it.Status), string(ItemCancelled), reason, at); err != nil {
			return err
		}
		if err := s.evaluate(ctx, fx, it.OrderID); err != nil {
			return err
		}
		out, err = s.store.GetItem(ctx, it.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockItem locks the item's parent order and returns the item as seen under
// that lock.
func (s *Service) lockItem(ctx context.Context, itemID uuid.UUID) (*AnalysisItem, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.LockOrder(ctx, it.OrderID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("item", itemID.String())
		}
		return nil, err
	}
	return s.store.GetItem(ctx, itemID)
}
