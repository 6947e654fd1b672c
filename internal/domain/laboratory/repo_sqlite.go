package laboratory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/db"
)

// SQLiteSchema mirrors migrations/001_laboratory.sql for the embedded store.
// Timestamps are stored as unix microseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS patient (
	id TEXT PRIMARY KEY,
	full_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS doctor (
	id TEXT PRIMARY KEY,
	full_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS analysis_catalog (
	practice_code TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	default_unit TEXT NOT NULL DEFAULT '',
	default_reference TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS lab_order (
	id TEXT PRIMARY KEY,
	order_number TEXT NOT NULL UNIQUE,
	patient_id TEXT NOT NULL,
	doctor_id TEXT,
	is_urgent INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'finalized', 'cancelled')),
	created_at INTEGER NOT NULL,
	processing_started_at INTEGER,
	finalized_at INTEGER,
	cancelled_at INTEGER,
	updated_at INTEGER NOT NULL,
	CHECK ((status = 'finalized') = (finalized_at IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_lab_order_status ON lab_order (status);
CREATE TABLE IF NOT EXISTS lab_order_item (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES lab_order (id),
	practice_code TEXT NOT NULL REFERENCES analysis_catalog (practice_code),
	status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'finalized', 'cancelled')),
	found_value TEXT,
	found_unit TEXT NOT NULL DEFAULT '',
	reference_range TEXT NOT NULL DEFAULT '',
	interpretation_note TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER,
	cancelled_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	CHECK ((found_value IS NOT NULL) = (status = 'finalized'))
);
CREATE INDEX IF NOT EXISTS idx_lab_order_item_order ON lab_order_item (order_id, status);
CREATE TABLE IF NOT EXISTS lab_status_history (
	id TEXT PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	order_id TEXT NOT NULL REFERENCES lab_order (id),
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	changed_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	changed_at INTEGER NOT NULL
);
`

// MigrateSQLite creates the embedded schema if it does not exist.
func MigrateSQLite(ctx context.Context, sqlDB *sql.DB) error {
	if _, err := sqlDB.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// DefaultCatalog mirrors migrations/002_catalog_seed.sql for the embedded
// store, which does not run the Postgres migrations.
var DefaultCatalog = []CatalogEntry{
	{PracticeCode: "GLU", Description: "Glucose", DefaultUnit: "mg/dL", DefaultReference: "70 - 110"},
	{PracticeCode: "UREA", Description: "Urea", DefaultUnit: "mg/dL", DefaultReference: "15 - 45"},
	{PracticeCode: "CREA", Description: "Creatinine", DefaultUnit: "mg/dL", DefaultReference: "0.6 - 1.2"},
	{PracticeCode: "CHOL", Description: "Total cholesterol", DefaultUnit: "mg/dL", DefaultReference: "< 200"},
	{PracticeCode: "TRIG", Description: "Triglycerides", DefaultUnit: "mg/dL", DefaultReference: "< 150"},
	{PracticeCode: "HGB", Description: "Hemoglobin", DefaultUnit: "g/dL", DefaultReference: "12 - 16"},
	{PracticeCode: "WBC", Description: "White blood cells", DefaultUnit: "10^3/uL", DefaultReference: "4.5 - 11.0"},
	{PracticeCode: "TSH", Description: "Thyrotropin", DefaultUnit: "uUI/mL", DefaultReference: "0.4 - 4.0"},
	{PracticeCode: "URI", Description: "Complete urinalysis", DefaultUnit: "", DefaultReference: "Normal"},
}

// SeedCatalogSQLite inserts catalog rows, leaving existing codes untouched.
func SeedCatalogSQLite(ctx context.Context, sqlDB *sql.DB, entries ...CatalogEntry) error {
	for _, e := range entries {
		_, err := sqlDB.ExecContext(ctx, `
			INSERT INTO analysis_catalog (practice_code, description, default_unit, default_reference)
			VALUES (?, ?, ?, ?) ON CONFLICT (practice_code) DO NOTHING`,
			e.PracticeCode, e.Description, e.DefaultUnit, e.DefaultReference)
		if err != nil {
			return fmt.Errorf("seed catalog %s: %w", e.PracticeCode, err)
		}
	}
	return nil
}

type sqlQueryable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func sqlConn(ctx context.Context, sqlDB *sql.DB) sqlQueryable {
	if tx := db.SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return sqlDB
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func mapSQLError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(resource, id)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return conflict(resource, id)
	}
	return err
}

// =========== Order Store ===========

type orderStoreSQLite struct{ db *sql.DB }

// NewOrderStoreSQLite returns a store over an embedded database opened with
// db.OpenSQLite.
func NewOrderStoreSQLite(sqlDB *sql.DB) OrderStore {
	return &orderStoreSQLite{db: sqlDB}
}

func (r *orderStoreSQLite) conn(ctx context.Context) sqlQueryable { return sqlConn(ctx, r.db) }

func (r *orderStoreSQLite) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInSQLTx(ctx, r.db, fn)
}

// WithinSnapshot is a plain transaction: SQLite transactions are serializable.
func (r *orderStoreSQLite) WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInSQLTx(ctx, r.db, fn)
}

func scanOrderSQL(row rowScanner) (*Order, error) {
	var (
		o                                 Order
		status                            string
		doctor                            sql.NullString
		urgent                            int
		created, updated                  int64
		started, finalized, cancelledNull sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &doctor, &urgent, &status,
		&created, &started, &finalized, &cancelledNull, &updated); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.IsUrgent = urgent != 0
	if doctor.Valid {
		id, err := uuid.Parse(doctor.String)
		if err != nil {
			return nil, fmt.Errorf("parse doctor_id: %w", err)
		}
		o.DoctorID = &id
	}
	o.CreatedAt = fromMicros(created)
	o.UpdatedAt = fromMicros(updated)
	o.ProcessingStartedAt = fromNullMicros(started)
	o.FinalizedAt = fromNullMicros(finalized)
	o.CancelledAt = fromNullMicros(cancelledNull)
	return &o, nil
}

func scanItemSQL(row rowScanner) (*AnalysisItem, error) {
	var (
		it                  AnalysisItem
		status              string
		value               sql.NullString
		created, updated    int64
		recorded, cancelled sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.OrderID, &it.PracticeCode, &status, &value, &it.FoundUnit,
		&it.ReferenceRange, &it.InterpretationNote, &recorded, &cancelled, &created, &updated); err != nil {
		return nil, err
	}
	it.Status = ItemStatus(status)
	if value.Valid {
		v := value.String
		it.FoundValue = &v
	}
	it.RecordedAt = fromNullMicros(recorded)
	it.CancelledAt = fromNullMicros(cancelled)
	it.CreatedAt = fromMicros(created)
	it.UpdatedAt = fromMicros(updated)
	return &it, nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func (r *orderStoreSQLite) CreateOrder(ctx context.Context, o *Order, items []*AnalysisItem) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO lab_order (id, order_number, patient_id, doctor_id, is_urgent, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID.String(), o.OrderNumber, o.PatientID.String(), nullUUID(o.DoctorID), o.IsUrgent,
			string(o.Status), micros(o.CreatedAt), micros(o.CreatedAt))
		if err != nil {
			return mapSQLError(err, "order", o.ID.String())
		}
		for _, it := range items {
			_, err := q.ExecContext(ctx, `
				INSERT INTO lab_order_item (id, order_id, practice_code, status, found_unit, reference_range, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				it.ID.String(), it.OrderID.String(), it.PracticeCode, string(it.Status),
				it.FoundUnit, it.ReferenceRange, micros(it.CreatedAt), micros(it.CreatedAt))
			if err != nil {
				return mapSQLError(err, "item", it.ID.String())
			}
		}
		return nil
	})
}

func (r *orderStoreSQLite) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrderSQL(r.conn(ctx).QueryRowContext(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = ?`, id.String()))
	if err != nil {
		return nil, mapSQLError(err, "order", id.String())
	}
	return o, nil
}

// LockOrder is a plain read: the single connection already serializes
// transactions.
func (r *orderStoreSQLite) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.GetOrder(ctx, id)
}

func (r *orderStoreSQLite) casMiss(ctx context.Context, table, resource string, id uuid.UUID) error {
	var n int
	err := r.conn(ctx).QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), id.String()).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(resource, id.String())
	}
	return conflict(resource, id.String())
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (r *orderStoreSQLite) ApplyOrderTransition(ctx context.Context, id uuid.UUID, from, to OrderStatus, at time.Time) error {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE lab_order SET status = ?1,
			processing_started_at = CASE WHEN ?1 = 'in_progress' THEN COALESCE(processing_started_at, ?2) ELSE processing_started_at END,
			finalized_at = CASE WHEN ?1 = 'finalized' THEN ?2 ELSE finalized_at END,
			cancelled_at = CASE WHEN ?1 = 'cancelled' THEN ?2 ELSE cancelled_at END,
			updated_at = ?2
		WHERE id = ?3 AND status = ?4`,
		string(to), micros(at), id.String(), string(from))
	if err != nil {
		return mapSQLError(err, "order", id.String())
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.casMiss(ctx, "lab_order", "order", id)
	}
	return nil
}

func (r *orderStoreSQLite) GetItem(ctx context.Context, id uuid.UUID) (*AnalysisItem, error) {
	it, err := scanItemSQL(r.conn(ctx).QueryRowContext(ctx, `SELECT `+itemCols+` FROM lab_order_item WHERE id = ?`, id.String()))
	if err != nil {
		return nil, mapSQLError(err, "item", id.String())
	}
	return it, nil
}

func (r *orderStoreSQLite) GetItems(ctx context.Context, orderID uuid.UUID) ([]*AnalysisItem, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+itemCols+` FROM lab_order_item WHERE order_id = ? ORDER BY practice_code, id`, orderID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AnalysisItem
	for rows.Next() {
		it, err := scanItemSQL(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *orderStoreSQLite) CountItems(ctx context.Context, orderID uuid.UUID) (int, int, error) {
	var total, open int
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN ('pending', 'in_progress') THEN 1 ELSE 0 END), 0)
		FROM lab_order_item WHERE order_id = ?`, orderID.String()).Scan(&total, &open)
	if err != nil {
		return 0, 0, err
	}
	return total, open, nil
}

func (r *orderStoreSQLite) updateReturningIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
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

func (r *orderStoreSQLite) StartItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	return r.updateReturningIDs(ctx, `
		UPDATE lab_order_item SET status = 'in_progress', updated_at = ?
		WHERE order_id = ? AND status = 'pending'
		RETURNING id`, micros(at), orderID.String())
}

func (r *orderStoreSQLite) CancelOpenItems(ctx context.Context, orderID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	return r.updateReturningIDs(ctx, `
		UPDATE lab_order_item SET status = 'cancelled', cancelled_at = ?1, updated_at = ?1
		WHERE order_id = ?2 AND status IN ('pending', 'in_progress')
		RETURNING id`, micros(at), orderID.String())
}

func (r *orderStoreSQLite) ApplyItemResult(ctx context.Context, id uuid.UUID, from ItemStatus, res ItemResult) error {
	out, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE lab_order_item SET status = 'finalized', found_value = ?, found_unit = ?,
			reference_range = ?, interpretation_note = ?, recorded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		res.FoundValue, res.FoundUnit, res.ReferenceRange, res.Note,
		micros(res.RecordedAt), micros(res.RecordedAt), id.String(), string(from))
	if err != nil {
		return mapSQLError(err, "item", id.String())
	}
	n, err := affected(out)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.casMiss(ctx, "lab_order_item", "item", id)
	}
	return nil
}

func (r *orderStoreSQLite) ApplyItemTransition(ctx context.Context, id uuid.UUID, from, to ItemStatus, at time.Time) error {
	out, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE lab_order_item SET status = ?1,
			cancelled_at = CASE WHEN ?1 = 'cancelled' THEN ?2 ELSE cancelled_at END,
			updated_at = ?2
		WHERE id = ?3 AND status = ?4`,
		string(to), micros(at), id.String(), string(from))
	if err != nil {
		return mapSQLError(err, "item", id.String())
	}
	n, err := affected(out)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.casMiss(ctx, "lab_order_item", "item", id)
	}
	return nil
}

func (r *orderStoreSQLite) AppendHistory(ctx context.Context, changes ...*StatusChange) error {
	q := r.conn(ctx)
	for _, h := range changes {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO lab_status_history (id, entity, entity_id, order_id, from_status, to_status, changed_by, reason, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID.String(), h.Entity, h.EntityID.String(), h.OrderID.String(),
			h.FromStatus, h.ToStatus, h.ChangedBy, h.Reason, micros(h.ChangedAt))
		if err != nil {
			return mapSQLError(err, "history", h.ID.String())
		}
	}
	return nil
}

func (r *orderStoreSQLite) ListHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, entity, entity_id, order_id, from_status, to_status, changed_by, reason, changed_at
		FROM lab_status_history WHERE order_id = ? ORDER BY rowid`, orderID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		var h StatusChange
		var at int64
		if err := rows.Scan(&h.ID, &h.Entity, &h.EntityID, &h.OrderID, &h.FromStatus, &h.ToStatus,
			&h.ChangedBy, &h.Reason, &at); err != nil {
			return nil, err
		}
		h.ChangedAt = fromMicros(at)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *orderStoreSQLite) ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.PatientID != nil {
		where += ` AND patient_id = ?`
		args = append(args, f.PatientID.String())
	}
	if f.Urgent != nil {
		where += ` AND is_urgent = ?`
		args = append(args, *f.Urgent)
	}

	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT `+orderCols+` FROM lab_order`+where+` ORDER BY is_urgent DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		o, err := scanOrderSQL(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *orderStoreSQLite) CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM lab_order GROUP BY status`)
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

type catalogSQLite struct{ db *sql.DB }

func NewCatalogSQLite(sqlDB *sql.DB) Catalog { return &catalogSQLite{db: sqlDB} }

func (r *catalogSQLite) GetCatalogEntry(ctx context.Context, code string) (*CatalogEntry, error) {
	var e CatalogEntry
	err := sqlConn(ctx, r.db).QueryRowContext(ctx, `
		SELECT practice_code, description, default_unit, default_reference
		FROM analysis_catalog WHERE practice_code = ?`, code).
		Scan(&e.PracticeCode, &e.Description, &e.DefaultUnit, &e.DefaultReference)
	if err != nil {
		return nil, mapSQLError(err, "catalog", code)
	}
	return &e, nil
}

func (r *catalogSQLite) ListCatalog(ctx context.Context) ([]*CatalogEntry, error) {
	rows, err := sqlConn(ctx, r.db).QueryContext(ctx, `
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

type registrySQLite struct{ db *sql.DB }

func NewRegistrySQLite(sqlDB *sql.DB) Registry { return &registrySQLite{db: sqlDB} }

func (r *registrySQLite) exists(ctx context.Context, table string, id uuid.UUID) (bool, error) {
	var n int
	err := sqlConn(ctx, r.db).QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), id.String()).Scan(&n)
	return n > 0, err
}

func (r *registrySQLite) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, "patient", id)
}

func (r *registrySQLite) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, "doctor", id)
}
