package laboratory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of a laboratory order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderFinalized  OrderStatus = "finalized"
	OrderCancelled  OrderStatus = "cancelled"
)

// ItemStatus is the lifecycle state of a single requested determination.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemFinalized  ItemStatus = "finalized"
	ItemCancelled  ItemStatus = "cancelled"
)

// Older clients send the Spanish vocabulary, sometimes with the
// procesando/completado variants. All of them collapse onto one status.
var statusAliases = map[string]string{
	"pending":     "pending",
	"pendiente":   "pending",
	"in_progress": "in_progress",
	"en_proceso":  "in_progress",
	"procesando":  "in_progress",
	"finalized":   "finalized",
	"finalizado":  "finalized",
	"completado":  "finalized",
	"cancelled":   "cancelled",
	"cancelado":   "cancelled",
}

func normalizeStatus(s string) (string, bool) {
	v, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}

// ParseOrderStatus accepts canonical and legacy status names.
func ParseOrderStatus(s string) (OrderStatus, error) {
	v, ok := normalizeStatus(s)
	if !ok {
		return "", newError(ErrValidation, "order", "", fmt.Sprintf("unknown status %q", s))
	}
	return OrderStatus(v), nil
}

// ParseItemStatus accepts canonical and legacy status names.
func ParseItemStatus(s string) (ItemStatus, error) {
	v, ok := normalizeStatus(s)
	if !ok {
		return "", newError(ErrValidation, "item", "", fmt.Sprintf("unknown status %q", s))
	}
	return ItemStatus(v), nil
}

func (s OrderStatus) IsTerminal() bool { return s == OrderFinalized || s == OrderCancelled }

func (s ItemStatus) IsTerminal() bool { return s == ItemFinalized || s == ItemCancelled }

// AllOrderStatuses lists every order status in lifecycle order.
var AllOrderStatuses = []OrderStatus{OrderPending, OrderInProgress, OrderFinalized, OrderCancelled}

// Order maps to the lab_order table.
type Order struct {
	ID                  uuid.UUID   `json:"id"`
	OrderNumber         string      `json:"order_number"`
	PatientID           uuid.UUID   `json:"patient_ref"`
	DoctorID            *uuid.UUID  `json:"doctor_ref,omitempty"`
	IsUrgent            bool        `json:"is_urgent"`
	Status              OrderStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	FinalizedAt         *time.Time  `json:"finalized_at,omitempty"`
	CancelledAt         *time.Time  `json:"cancelled_at,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// AnalysisItem maps to the lab_order_item table.
type AnalysisItem struct {
	ID                 uuid.UUID  `json:"id"`
	OrderID            uuid.UUID  `json:"order_id"`
	PracticeCode       string     `json:"practice_code"`
	Status             ItemStatus `json:"status"`
	FoundValue         *string    `json:"found_value,omitempty"`
	FoundUnit          string     `json:"found_unit"`
	ReferenceRange     string     `json:"reference_range"`
	InterpretationNote string     `json:"interpretation_note,omitempty"`
	RecordedAt         *time.Time `json:"recorded_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ItemResult is what gets written when a determination is finalized.
type ItemResult struct {
	FoundValue     string
	FoundUnit      string
	ReferenceRange string
	Note           string
	RecordedAt     time.Time
}

// CatalogEntry is a row of the read-only analysis catalog.
type CatalogEntry struct {
	PracticeCode     string `json:"practice_code"`
	Description      string `json:"description"`
	DefaultUnit      string `json:"default_unit"`
	DefaultReference string `json:"default_reference"`
}

const (
	EntityOrder = "order"
	EntityItem  = "item"
)

// StatusChange records one transition of an order or of one of its items.
type StatusChange struct {
	ID         uuid.UUID `json:"id"`
	Entity     string    `json:"entity"`
	EntityID   uuid.UUID `json:"entity_id"`
	OrderID    uuid.UUID `json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// OrderDetail is an order joined with its items.
type OrderDetail struct {
	Order *Order          `json:"order"`
	Items []*AnalysisItem `json:"items"`
}

// OrderFilter narrows ListOrders. Zero values mean "any".
type OrderFilter struct {
	Status    OrderStatus
	PatientID *uuid.UUID
	Urgent    *bool
}

// CreateOrderInput is the body of POST /orders.
type CreateOrderInput struct {
	PatientRef uuid.UUID  `json:"patient_ref"`
	DoctorRef  *uuid.UUID `json:"doctor_ref,omitempty"`
	IsUrgent   bool       `json:"is_urgent"`
	Items      []string   `json:"items"`
}

// ResultInput is the body of POST /items/:id/result.
type ResultInput struct {
	FoundValue        string  `json:"found_value"`
	Unit              string  `json:"unit,omitempty"`
	ReferenceOverride *string `json:"reference_override,omitempty"`
	Note              string  `json:"note,omitempty"`
}

// orderNumber derives the human-facing number from the creation date and the
// order id. The unique index on order_number backs it.
func orderNumber(id uuid.UUID, at time.Time) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("LAB-%s-%s", at.UTC().Format("20060102"), strings.ToUpper(hex[:8]))
}
