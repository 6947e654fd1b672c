package laboratory

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
)

var testCatalog = []CatalogEntry{
	{PracticeCode: "GLU", Description: "Glucose", DefaultUnit: "mg/dL", DefaultReference: "70-110"},
	{PracticeCode: "UREA", Description: "Urea", DefaultUnit: "mg/dL", DefaultReference: "15-45"},
	{PracticeCode: "HGB", Description: "Hemoglobin", DefaultUnit: "g/dL", DefaultReference: "12-16"},
	{PracticeCode: "TSH", Description: "Thyrotropin", DefaultUnit: "uUI/mL", DefaultReference: "0.4-4.0"},
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (n *recordingNotifier) Publish(_ context.Context, ev OrderEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Events() []OrderEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]OrderEvent(nil), n.events...)
}

type fixture struct {
	db      *sql.DB
	store   OrderStore
	svc     *Service
	events  *recordingNotifier
	patient uuid.UUID
	doctor  uuid.UUID
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "lis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, MigrateSQLite(ctx, sqlDB))
	require.NoError(t, SeedCatalogSQLite(ctx, sqlDB, testCatalog...))
	return sqlDB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB := openTestDB(t)
	f := &fixture{
		db:      sqlDB,
		store:   NewOrderStoreSQLite(sqlDB),
		events:  &recordingNotifier{},
		patient: insertPerson(t, sqlDB, "patient", "Ana Gomez"),
		doctor:  insertPerson(t, sqlDB, "doctor", "Dr. Ruiz"),
	}
	f.svc = NewService(f.store, NewCatalogSQLite(sqlDB), NewRegistrySQLite(sqlDB))
	f.svc.SetNotifier(f.events)
	return f
}

func insertPerson(t *testing.T, sqlDB *sql.DB, table, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := sqlDB.Exec(`INSERT INTO `+table+` (id, full_name) VALUES (?, ?)`, id.String(), name)
	require.NoError(t, err)
	return id
}

func (f *fixture) createOrder(t *testing.T, codes ...string) *OrderDetail {
	t.Helper()
	d, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientRef: f.patient,
		DoctorRef:  &f.doctor,
		Items:      codes,
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) item(t *testing.T, id uuid.UUID) *AnalysisItem {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it
}

func itemByCode(t *testing.T, d *OrderDetail, code string) *AnalysisItem {
	t.Helper()
	for _, it := range d.Items {
		if it.PracticeCode == code {
			return it
		}
	}
	t.Fatalf("no item with code %s", code)
	return nil
}

// requireConsistent checks that the order's status agrees with its items.
func (f *fixture) requireConsistent(t *testing.T, orderID uuid.UUID) {
	t.Helper()
	o := f.order(t, orderID)
	items, err := f.store.GetItems(context.Background(), orderID)
	require.NoError(t, err)

	allTerminal := len(items) > 0
	for _, it := range items {
		if !it.Status.IsTerminal() {
			allTerminal = false
		}
		require.Equal(t, it.Status == ItemFinalized, it.FoundValue != nil,
			"item %s: found_value must be set exactly when finalized", it.PracticeCode)
	}
	if o.Status != OrderCancelled {
		require.Equal(t, allTerminal, o.Status == OrderFinalized,
			"order %s is %s with all items terminal=%v", o.OrderNumber, o.Status, allTerminal)
	}
	require.Equal(t, o.Status == OrderFinalized, o.FinalizedAt != nil)
	if o.Status == OrderInProgress || o.Status == OrderFinalized {
		require.NotNil(t, o.ProcessingStartedAt)
	}
}

func countHistory(t *testing.T, f *fixture, orderID uuid.UUID, entity, to string) int {
	t.Helper()
	history, err := f.store.ListHistory(context.Background(), orderID)
	require.NoError(t, err)
	n := 0
	for _, h := range history {
		if h.Entity == entity && h.ToStatus == to {
			n++
		}
	}
	return n
}

// asTech runs the call as lab technician "tech-1".
func asTech(ctx context.Context) context.Context {
	return auth.WithUser(ctx, "tech-1", []string{"lab_tech"})
}
