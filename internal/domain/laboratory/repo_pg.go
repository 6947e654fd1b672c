package laboratory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// mapPGError turns driver errors the service can act on into domain kinds.
func mapPGError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(resource, id)
	}
	if db.IsRetryable(err) {
		return conflict(resource, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict(resource, id)
	}
	return err
}

// =========== Order Store ===========

type orderStorePG struct{ pool *pgxpool.Pool }

func NewOrderStorePG(pool *pgxpool.Pool) OrderStore {
	return &orderStorePG{pool: pool}
}

func (r *orderStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *orderStorePG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := db.RunInTx(ctx, r.pool, fn)
	if db.IsRetryable(err) {
		return conflict("transaction", "")
	}
	return err
}

func (r *orderStorePG) WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInReadTx(ctx, r.pool, fn)
}

const orderCols = `id, order_number, patient_id, doctor_id, is_urgent, status,
	created_at, processing_started_at, finalized_at, cancelled_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.DoctorID, &o.IsUrgent, &status,
		&o.CreatedAt, &o.ProcessingStartedAt, &o.FinalizedAt, &o.CancelledAt, &o.UpdatedAt)
	o.Status = OrderStatus(status)
	return &o, err
}

const itemCols = `id, order_id, practice_code, status, found_value, found_unit,
	reference_range, interpretation_note, recorded_at, cancelled_at, created_at, updated_at`

func scanItem(row pgx.Row) (*AnalysisItem, error) {
	var it AnalysisItem
	var status string
	err := row.Scan(&it.ID, &it.OrderID, &it.PracticeCode, &status, &it.FoundValue, &it.FoundUnit,
		&it.ReferenceRange, &it.InterpretationNote, &it.RecordedAt, &it.CancelledAt, &it.CreatedAt, &it.UpdatedAt)
	it.Status = ItemStatus(status)
	return &it, err
}

func (r *orderStorePG) CreateOrder(ctx context.Context, o *Order, items []*AnalysisItem) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO lab_order (id, order_number, patient_id, doctor_id, is_urgent, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			o.ID, o.OrderNumber, o.PatientID, o.DoctorID, o.IsUrgent, string(o.Status), o.CreatedAt)
		if err != nil {
			return mapPGError(err, "order", o.ID.String())
		}
		for _, it := range items {
			_, err := q.Exec(ctx, `
				INSERT INTO lab_order_item (id, order_id, practice_code, status, found_unit, reference_range, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
				it.ID, it.OrderID, it.PracticeCode, string(it.Status), it.FoundUnit, it.ReferenceRange, it.CreatedAt)
			if err != nil {
				return mapPGError(err, "item", it.ID.String())
			}
		}
		return nil
	})
}

func (r *orderStorePG) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, "order", id.String())
	}
	return o, nil
}

func (r *orderStorePG) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapPGError(err, "order", id.String())
	}
	return o, nil
}

// casMiss tells a lost compare-and-swap apart from a missing row.
func (r *orderStorePG) casMiss(ctx context.Context, table, resource string, id uuid.UUID) error {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return mapPGError(err, resource, id.String())
	}
	if !exists {
		return notFound(resource, id.String())
	}
	return conflict(resource, id.String())
}

func (r *orderStorePG) ApplyOrderTransition(ctx context.Context, id uuid.UUID, from, to OrderStatus, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET status = $3::text,
			processing_started_at = CASE WHEN $3::text = 'in_progress' THEN COALESCE(processing_started_at, $4) ELSE processing_started_at END,
			finalized_at = CASE WHEN $3::text = 'finalized' THEN $4 ELSE finalized_at END,
			cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return mapPGError(err, "order", id.String())
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "lab_order", "order", id)
	}
	return nil
}

func (r *orderStorePG) GetItem(ctx context.Context, id uuid.UUID) (*AnalysisItem, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM lab_order_item WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, "item", id.String())
	}
	return it, nil
}

func (r *orderStorePG) GetItems(ctx context.Context, orderID uuid.UUID) ([]*AnalysisItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM lab_order_item WHERE order_id = $1 ORDER BY practice_code, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AnalysisItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *orderStorePG) CountItems(ctx context.Context, orderID uuid.UUID) (int, int, error) {
	var total, open int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status IN ('pending', 'in_progress'))
		FROM lab_order_item WHERE order_id = $1`, orderID).Scan(&total, &open)
	if err != nil {
		return 0, 0, mapPGError(err, "order", orderID.String())
	}
	return total, open, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *orderStorePG) StartItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE lab_order_item SET status = 'in_progress', updated_at = $2
		WHERE order_id = $1 AND status = 'pending'
		RETURNING id`, orderID, at)
	if err != nil {
		return nil, mapPGError(err, "order", orderID.String())
	}
	return collectIDs(rows)
}

func (r *orderStorePG) CancelOpenItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE lab_order_item SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE order_id = $1 AND status IN ('pending', 'in_progress')
		RETURNING id`, orderID, at)
	if err != nil {
		return nil, mapPGError(err, "order", orderID.String())
	}
	return collectIDs(rows)
}

func (r *orderStorePG) ApplyItemResult(ctx context.Context, id uuid.UUID, from ItemStatus, res ItemResult) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order_item SET status = 'finalized', found_value = $3, found_unit = $4,
			reference_range = $5, interpretation_note = $6, recorded_at = $7, updated_at = $7
		WHERE id = $1 AND status = $2`,
		id, string(from), res.FoundValue, res.FoundUnit, res.ReferenceRange, res.Note, res.RecordedAt)
	if err != nil {
		return mapPGError(err, "item", id.String())
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "lab_order_item", "item", id)
	}
	return nil
}

func (r *orderStorePG) ApplyItemTransition(ctx context.Context, id uuid.UUID, from, to ItemStatus, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order_item SET status = $3::text,
			cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return mapPGError(err, "item", id.String())
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "lab_order_item", "item", id)
	}
	return nil
}

func (r *orderStorePG) AppendHistory(ctx context.Context, changes ...*StatusChange) error {
	q := r.conn(ctx)
	for _, h := range changes {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO lab_status_history (id, entity, entity_id, order_id, from_status, to_status, changed_by, reason, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			h.ID, h.Entity, h.EntityID, h.OrderID, h.FromStatus, h.ToStatus, h.ChangedBy, h.Reason, h.ChangedAt)
		if err != nil {
			return mapPGError(err, "history", h.ID.String())
		}
	}
	return nil
}

func (r *orderStorePG) ListHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, entity, entity_id, order_id, from_status, to_status, changed_by, reason, changed_at
		FROM lab_status_history WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.Entity, &h.EntityID, &h.OrderID, &h.FromStatus, &h.ToStatus,
			&h.ChangedBy, &h.Reason, &h.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *orderStorePG) ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Urgent != nil {
		where += fmt.Sprintf(` AND is_urgent = $%d`, idx)
		args = append(args, *f.Urgent)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderCols + ` FROM lab_order` + where +
		fmt.Sprintf(` ORDER BY is_urgent DESC, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *orderStorePG) CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM lab_order GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[OrderStatus]int, len(AllOrderStatuses))
	for _, s := range AllOrderStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

// =========== Catalog ===========

type catalogPG struct{ pool *pgxpool.Pool }

func NewCatalogPG(pool *pgxpool.Pool) Catalog { return &catalogPG{pool: pool} }

func (r *catalogPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *catalogPG) GetCatalogEntry(ctx context.Context, code string) (*CatalogEntry, error) {
	var e CatalogEntry
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT practice_code, description, default_unit, default_reference
		FROM analysis_catalog WHERE practice_code = $1`, code).
		Scan(&e.PracticeCode, &e.Description, &e.DefaultUnit, &e.DefaultReference)
	if err != nil {
		return nil, mapPGError(err, "catalog", code)
	}
	return &e, nil
}

func (r *catalogPG) ListCatalog(ctx context.Context) ([]*CatalogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT practice_code, description, default_unit, default_reference
		FROM analysis_catalog ORDER BY practice_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.PracticeCode, &e.Description, &e.DefaultUnit, &e.DefaultReference); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// =========== Registry ===========

type registryPG struct{ pool *pgxpool.Pool }

func NewRegistryPG(pool *pgxpool.Pool) Registry { return &registryPG{pool: pool} }

func (r *registryPG) exists(ctx context.Context, table string, id uuid.UUID) (bool, error) {
	var q queryable = r.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		q = tx
	}
	var ok bool
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&ok)
	return ok, err
}

func (r *registryPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, "patient", id)
}

func (r *registryPG) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, "doctor", id)
}
