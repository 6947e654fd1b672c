package laboratory

import (
	"context"

	"github.com/google/uuid"
)

// Read side. Nothing here changes state.

// GetOrderDetail reads the order and its items from one snapshot, so the
// order status always agrees with the items returned alongside it.
func (s *Service) GetOrderDetail(ctx context.Context, orderID uuid.UUID) (*OrderDetail, error) {
	var detail *OrderDetail
	err := s.store.WithinSnapshot(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := s.store.GetItems(ctx, orderID)
		if err != nil {
			return err
		}
		if items == nil {
			items = []*AnalysisItem{}
		}
		detail = &OrderDetail{Order: o, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Service) GetItem(ctx context.Context, itemID uuid.UUID) (*AnalysisItem, error) {
	return s.store.GetItem(ctx, itemID)
}

// ListOrders returns one page of orders, urgent first and newest first.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error) {
	orders, total, err := s.store.ListOrders(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if orders == nil {
		orders = []*Order{}
	}
	return orders, total, nil
}

// StatusCounts reports how many orders are in each status, including zeros.
func (s *Service) StatusCounts(ctx context.Context) (map[OrderStatus]int, error) {
	return s.store.CountOrdersByStatus(ctx)
}

// OrderHistory lists every transition of the order and its items in the
// order they were committed.
func (s *Service) OrderHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	var history []*StatusChange
	err := s.store.WithinSnapshot(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetOrder(ctx, orderID); err != nil {
			return err
		}
		var err error
		history, err = s.store.ListHistory(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []*StatusChange{}
	}
	return history, nil
}

func (s *Service) ListCatalog(ctx context.Context) ([]*CatalogEntry, error) {
	entries, err := s.catalog.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*CatalogEntry{}
	}
	return entries, nil
}
