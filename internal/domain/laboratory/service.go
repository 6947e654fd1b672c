package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/auth"
)

const defaultMaxAttempts = 3

type Service struct {
	store       OrderStore
	catalog     Catalog
	registry    Registry
	notifier    Notifier
	metrics     *Metrics
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int
	verifyRefs  bool
}

func NewService(store OrderStore, catalog Catalog, registry Registry) *Service {
	return &Service{
		store:       store,
		catalog:     catalog,
		registry:    registry,
		notifier:    NopNotifier(),
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		maxAttempts: defaultMaxAttempts,
		verifyRefs:  true,
	}
}

// SetNotifier attaches the terminal-status event publisher.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = NopNotifier()
	}
	s.notifier = n
}

func (s *Service) SetMetrics(m *Metrics)           { s.metrics = m }
func (s *Service) SetLogger(l zerolog.Logger)      { s.logger = l }
func (s *Service) SetVerifyReferences(verify bool) { s.verifyRefs = verify }

// SetMaxAttempts bounds how often a unit of work is re-run after a conflict.
func (s *Service) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	s.maxAttempts = n
}

// effects collects what a unit of work wants to announce. They are only
// flushed once the transaction has committed.
type effects struct {
	transitions []*StatusChange
	events      []OrderEvent
	results     int
}

// runTx runs fn in a fresh transaction, re-running the whole unit of work
// when it loses a race on a status column.
func (s *Service) runTx(ctx context.Context, op string, fn func(ctx context.Context, fx *effects) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		fx := &effects{}
		err = s.store.WithinTx(ctx, func(ctx context.Context) error {
			return fn(ctx, fx)
		})
		if err == nil {
			s.flush(ctx, fx)
			return nil
		}
		if !errors.Is(err, ErrConflict) || ctx.Err() != nil {
			return err
		}
		s.metrics.conflict(op)
		s.logger.Debug().Err(err).Str("operation", op).Int("attempt", attempt).Msg("retrying after conflict")
	}
	return err
}

func (s *Service) flush(ctx context.Context, fx *effects) {
	for _, t := range fx.transitions {
		s.metrics.transition(t.Entity, t.FromStatus, t.ToStatus)
	}
	for i := 0; i < fx.results; i++ {
		s.metrics.resultRecorded()
	}
	for _, ev := range fx.events {
		if err := s.notifier.Publish(ctx, ev); err != nil {
			s.logger.Error().Err(err).
				Str("order_id", ev.OrderID.String()).
				Str("status", string(ev.Status)).
				Msg("order event not published")
		}
	}
}

// record appends history rows for a batch of transitions of the same kind.
func (s *Service) record(ctx context.Context, fx *effects, entity string, orderID uuid.UUID, ids []uuid.UUID, from, to, reason string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	changedBy := auth.UserIDFromContext(ctx)
	changes := make([]*StatusChange, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, &StatusChange{
			Entity:     entity,
			EntityID:   id,
			OrderID:    orderID,
			FromStatus: from,
			ToStatus:   to,
			ChangedBy:  changedBy,
			Reason:     reason,
			ChangedAt:  at,
		})
	}
	if err := s.store.AppendHistory(ctx, changes...); err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	fx.transitions = append(fx.transitions, changes...)
	return nil
}

// CreateOrder validates the request against the catalog and the registry and
// stores the order with all of its items in one transaction.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*OrderDetail, error) {
	if in.PatientRef == uuid.Nil {
		return nil, newError(ErrValidation, "order", "", "patient_ref is required")
	}
	if len(in.Items) == 0 {
		return nil, newError(ErrValidation, "order", "", "at least one item is required")
	}

	entries := make([]*CatalogEntry, 0, len(in.Items))
	seen := make(map[string]bool, len(in.Items))
	for _, raw := range in.Items {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			return nil, newError(ErrValidation, "order", "", "practice code must not be blank")
		}
		if seen[code] {
			return nil, newError(ErrValidation, "order", "", fmt.Sprintf("practice code %s requested twice", code))
		}
		seen[code] = true
		e, err := s.catalog.GetCatalogEntry(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrValidation, "order", "", fmt.Sprintf("unknown practice code %s", code))
		}
		if err != nil {
			return nil, fmt.Errorf("lookup practice code %s: %w", code, err)
		}
		entries = append(entries, e)
	}

	if s.verifyRefs {
		if err := s.verifyReferences(ctx, in); err != nil {
			return nil, err
		}
	}

	var detail *OrderDetail
	err := s.runTx(ctx, "create_order", func(ctx context.Context, fx *effects) error {
		at := s.now()
		o := &Order{
			ID:        uuid.New(),
			PatientID: in.PatientRef,
			DoctorID:  in.DoctorRef,
			IsUrgent:  in.IsUrgent,
			Status:    OrderPending,
			CreatedAt: at,
			UpdatedAt: at,
		}
		o.OrderNumber = orderNumber(o.ID, at)

		items := make([]*AnalysisItem, 0, len(entries))
		ids := make([]uuid.UUID, 0, len(entries))
		for _, e := range entries {
			it := &AnalysisItem{
				ID:             uuid.New(),
				OrderID:        o.ID,
				PracticeCode:   e.PracticeCode,
				Status:         ItemPending,
				FoundUnit:      e.DefaultUnit,
				ReferenceRange: e.DefaultReference,
				CreatedAt:      at,
				UpdatedAt:      at,
			}
			items = append(items, it)
			ids = append(ids, it.ID)
		}

		if err := s.store.CreateOrder(ctx, o, items); err != nil {
			return err
		}
		if err := s.record(ctx, fx, EntityOrder, o.ID, []uuid.UUID{o.ID}, "", string(OrderPending), "", at); err != nil {
			return err
		}
		if err := s.record(ctx, fx, EntityItem, o.ID, ids, "", string(ItemPending), "", at); err != nil {
			return err
		}
		detail = &OrderDetail{Order: o, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", detail.Order.ID.String()).
		Str("order_number", detail.Order.OrderNumber).
		Int("items", len(detail.Items)).
		Bool("urgent", detail.Order.IsUrgent).
		Msg("order created")
	return detail, nil
}

func (s *Service) verifyReferences(ctx context.Context, in CreateOrderInput) error {
	ok, err := s.registry.PatientExists(ctx, in.PatientRef)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return newError(ErrValidation, "patient", in.PatientRef.String(), "unknown patient")
	}
	if in.DoctorRef == nil {
		return nil
	}
	ok, err = s.registry.DoctorExists(ctx, *in.DoctorRef)
	if err != nil {
		return fmt.Errorf("check doctor: %w", err)
	}
	if !ok {
		return newError(ErrValidation, "doctor", in.DoctorRef.String(), "unknown doctor")
	}
	return nil
}
