package laboratory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Evaluate re-checks whether an order must complete and completes it if so.
// Every mutation already runs this; `lis-server evaluate` calls it for orders
// whose items were changed outside the API.
func (s *Service) Evaluate(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var out *Order
	err := s.runTx(ctx, "evaluate", func(ctx context.Context, fx *effects) error {
		if err := s.evaluate(ctx, fx, orderID); err != nil {
			return err
		}
		var err error
		out, err = s.store.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// evaluate runs inside the caller's transaction. An order with no open items
// is finalized when in progress, or cancelled when it never started (all of
// its items were cancelled). An order without items is never completed.
func (s *Service) evaluate(ctx context.Context, fx *effects, orderID uuid.UUID) error {
	o, err := s.store.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	total, open, err := s.store.CountItems(ctx, orderID)
	if err != nil {
		return err
	}
	if total == 0 || open > 0 {
		return nil
	}

	var to OrderStatus
	switch o.Status {
	case OrderInProgress:
		to = OrderFinalized
	case OrderPending:
		to = OrderCancelled
	default:
		return nil
	}

	at := s.now()
	err = s.store.ApplyOrderTransition(ctx, o.ID, o.Status, to, at)
	if errors.Is(err, ErrConflict) {
		// Someone else already completed it.
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.record(ctx, fx, EntityOrder, o.ID, []uuid.UUID{o.ID}, string(o.Status), string(to), "", at); err != nil {
		return err
	}
	fx.events = append(fx.events, OrderEvent{OrderID: o.ID, OrderNumber: o.OrderNumber, Status: to, Timestamp: at})

	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Str("status", string(to)).
		Msg("order completed")
	return nil
}
