package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/platform/db"
)

func TestMigrations(t *testing.T) {
	pool := newSchemaPool(t)
	statuses, err := db.NewMigrator(pool, findMigrationsDir()).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d %s not applied", s.Version, s.Name)
		}
	}

	var codes int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM analysis_catalog`).Scan(&codes); err != nil {
		t.Fatalf("count catalog: %v", err)
	}
	if codes == 0 {
		t.Error("expected seeded catalog")
	}
}

func TestOrderLifecyclePG(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	d := f.createOrder(t, "GLU", "UREA", "HGB")

	if _, err := f.svc.StartProcessing(ctx, d.Order.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	byCode := map[string]*laboratory.AnalysisItem{}
	for _, it := range d.Items {
		byCode[it.PracticeCode] = it
	}

	if _, err := f.svc.RecordResult(ctx, byCode["GLU"].ID, laboratory.ResultInput{FoundValue: "92"}); err != nil {
		t.Fatalf("result GLU: %v", err)
	}
	if _, err := f.svc.CancelItem(ctx, byCode["UREA"].ID, "insufficient sample"); err != nil {
		t.Fatalf("cancel UREA: %v", err)
	}
	if got := f.orderStatus(t, d.Order.ID); got != laboratory.OrderInProgress {
		t.Fatalf("expected in_progress with one open item, got %s", got)
	}

	it, err := f.svc.RecordResult(ctx, byCode["HGB"].ID, laboratory.ResultInput{FoundValue: "13.4", Unit: "g/L"})
	if err != nil {
		t.Fatalf("result HGB: %v", err)
	}
	if it.FoundUnit != "g/L" {
		t.Errorf("expected caller unit, got %q", it.FoundUnit)
	}

	detail, err := f.svc.GetOrderDetail(ctx, d.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if detail.Order.Status != laboratory.OrderFinalized || detail.Order.FinalizedAt == nil {
		t.Fatalf("expected finalized order with timestamp, got %+v", detail.Order)
	}
	if detail.Order.ProcessingStartedAt == nil {
		t.Error("expected processing_started_at")
	}
	if n := f.events.count(laboratory.OrderFinalized); n != 1 {
		t.Errorf("expected 1 finalized event, got %d", n)
	}

	_, err = f.svc.RecordResult(ctx, byCode["GLU"].ID, laboratory.ResultInput{FoundValue: "93"})
	if !errors.Is(err, laboratory.ErrAlreadyFinalized) {
		t.Errorf("expected ErrAlreadyFinalized, got %v", err)
	}
	_, err = f.svc.CancelOrder(ctx, d.Order.ID, "too late")
	if !errors.Is(err, laboratory.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCreateOrderRejectsUnknownReferencesPG(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, laboratory.CreateOrderInput{PatientRef: f.doctor, Items: []string{"GLU"}})
	if !errors.Is(err, laboratory.ErrValidation) {
		t.Errorf("expected validation error for unknown patient, got %v", err)
	}
	_, err = f.svc.CreateOrder(ctx, laboratory.CreateOrderInput{PatientRef: f.patient, Items: []string{"NOPE"}})
	if !errors.Is(err, laboratory.ErrValidation) {
		t.Errorf("expected validation error for unknown code, got %v", err)
	}

	var orders int
	if err := f.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`).Scan(&orders); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orders != 0 {
		t.Errorf("expected no orders stored, got %d", orders)
	}
}

func TestConcurrentResultsFinalizeOncePG(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	codes := []string{"GLU", "UREA", "CREA", "CHOL", "TRIG", "HGB", "WBC", "TSH"}

	for round := 0; round < 5; round++ {
		d := f.createOrder(t, codes...)
		var g errgroup.Group
		for i, it := range d.Items {
			id, value := it.ID, fmt.Sprintf("%d.0", i+1)
			g.Go(func() error {
				_, err := f.svc.RecordResult(ctx, id, laboratory.ResultInput{FoundValue: value})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if got := f.orderStatus(t, d.Order.ID); got != laboratory.OrderFinalized {
			t.Fatalf("round %d: expected finalized, got %s", round, got)
		}
		if n := f.historyCount(t, d.Order.ID, laboratory.EntityOrder, "finalized"); n != 1 {
			t.Errorf("round %d: order finalized %d times", round, n)
		}
		if n := f.historyCount(t, d.Order.ID, laboratory.EntityOrder, "in_progress"); n != 1 {
			t.Errorf("round %d: order started %d times", round, n)
		}
	}
	if n := f.events.count(laboratory.OrderFinalized); n != 5 {
		t.Errorf("expected 5 finalized events, got %d", n)
	}
}

func TestConcurrentResultsSameItemPG(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	d := f.createOrder(t, "GLU")
	id := d.Items[0].ID

	const writers = 8
	errs := make([]error, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = f.svc.RecordResult(ctx, id, laboratory.ResultInput{FoundValue: fmt.Sprint(100 + i)})
			return nil
		})
	}
	_ = g.Wait()

	ok, finalized := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, laboratory.ErrAlreadyFinalized):
			finalized++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || finalized != writers-1 {
		t.Errorf("expected 1 success and %d AlreadyFinalized, got %d and %d", writers-1, ok, finalized)
	}
	if n := f.historyCount(t, d.Order.ID, laboratory.EntityItem, "finalized"); n != 1 {
		t.Errorf("item finalized %d times", n)
	}
}

func TestListOrdersAndStatsPG(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	a := f.createOrder(t, "GLU")
	f.createOrder(t, "HGB")
	if _, err := f.svc.CancelOrder(ctx, a.Order.ID, "duplicate"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	counts, err := f.svc.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[laboratory.OrderPending] != 1 || counts[laboratory.OrderCancelled] != 1 || counts[laboratory.OrderFinalized] != 0 {
		t.Errorf("unexpected counts %v", counts)
	}

	orders, total, err := f.svc.ListOrders(ctx, laboratory.OrderFilter{Status: laboratory.OrderCancelled}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(orders) != 1 || orders[0].ID != a.Order.ID {
		t.Errorf("expected the cancelled order, got total=%d %v", total, orders)
	}

	history, err := f.svc.OrderHistory(ctx, a.Order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.ToStatus != "cancelled" || last.Reason != "duplicate" {
		t.Errorf("unexpected last history entry %+v", last)
	}
}
