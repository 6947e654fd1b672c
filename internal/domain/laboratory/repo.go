package laboratory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OrderStore is the single writer of orders, items and their history.
// Mutations that must be atomic run inside WithinTx; every method picks the
// transaction up from the context.
type OrderStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// WithinSnapshot runs read-only fn against one consistent snapshot.
	WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error

	CreateOrder(ctx context.Context, o *Order, items []*AnalysisItem) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// LockOrder reads the order and holds a row lock on it until the
	// surrounding transaction ends.
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ApplyOrderTransition(ctx context.Context, id uuid.UUID, from, to OrderStatus, at time.Time) error

	GetItem(ctx context.Context, id uuid.UUID) (*AnalysisItem, error)
	GetItems(ctx context.Context, orderID uuid.UUID) ([]*AnalysisItem, error)
	CountItems(ctx context.Context, orderID uuid.UUID) (total, open int, err error)
	StartItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error)
	ApplyItemResult(ctx context.Context, id uuid.UUID, from ItemStatus, r ItemResult) error
	ApplyItemTransition(ctx context.Context, id uuid.UUID, from, to ItemStatus, at time.Time) error
	CancelOpenItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error)

	AppendHistory(ctx context.Context, changes ...*StatusChange) error
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error)

	ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error)
	CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int, error)
}

// Catalog is the read-only analysis reference table.
type Catalog interface {
	GetCatalogEntry(ctx context.Context, practiceCode string) (*CatalogEntry, error)
	ListCatalog(ctx context.Context) ([]*CatalogEntry, error)
}

// Registry answers existence questions about patients and doctors, which
// are owned by another service.
type Registry interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)
}
