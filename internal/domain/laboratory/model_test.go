package laboratory

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want OrderStatus
	}{
		{"pending", OrderPending},
		{"Pendiente", OrderPending},
		{"in_progress", OrderInProgress},
		{"en_proceso", OrderInProgress},
		{"procesando", OrderInProgress},
		{" FINALIZADO ", OrderFinalized},
		{"completado", OrderFinalized},
		{"cancelado", OrderCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOrderStatus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseOrderStatus("archived")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseItemStatus(t *testing.T) {
	got, err := ParseItemStatus("completado")
	require.NoError(t, err)
	assert.Equal(t, ItemFinalized, got)

	_, err = ParseItemStatus("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, OrderPending.IsTerminal())
	assert.False(t, OrderInProgress.IsTerminal())
	assert.True(t, OrderFinalized.IsTerminal())
	assert.True(t, OrderCancelled.IsTerminal())

	assert.False(t, ItemPending.IsTerminal())
	assert.False(t, ItemInProgress.IsTerminal())
	assert.True(t, ItemFinalized.IsTerminal())
	assert.True(t, ItemCancelled.IsTerminal())
}

func TestOrderNumber(t *testing.T) {
	id := uuid.MustParse("0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	at := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("ART", -3*3600))
	assert.Equal(t, "LAB-20240310-0A1B2C3D", orderNumber(id, at))

	assert.Regexp(t, regexp.MustCompile(`^LAB-\d{8}-[0-9A-F]{8}$`), orderNumber(uuid.New(), time.Now()))
}

func TestOrderTransitions(t *testing.T) {
	allowed := map[[2]OrderStatus]bool{
		{OrderPending, OrderInProgress}:   true,
		{OrderPending, OrderCancelled}:    true,
		{OrderInProgress, OrderFinalized}: true,
		{OrderInProgress, OrderCancelled}: true,
	}
	for _, from := range AllOrderStatuses {
		for _, to := range AllOrderStatuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				err := ValidateOrderTransition(from, to)
				if allowed[[2]OrderStatus{from, to}] {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalidState)
				}
			})
		}
	}
	assert.ErrorIs(t, ValidateOrderTransition("archived", OrderPending), ErrInvalidState)
}

func TestItemTransitions(t *testing.T) {
	assert.NoError(t, ValidateItemTransition(ItemPending, ItemInProgress))
	assert.NoError(t, ValidateItemTransition(ItemPending, ItemFinalized))
	assert.NoError(t, ValidateItemTransition(ItemInProgress, ItemFinalized))
	assert.NoError(t, ValidateItemTransition(ItemInProgress, ItemCancelled))

	assert.ErrorIs(t, ValidateItemTransition(ItemInProgress, ItemPending), ErrInvalidState)
	assert.ErrorIs(t, ValidateItemTransition(ItemFinalized, ItemCancelled), ErrInvalidState)
	assert.ErrorIs(t, ValidateItemTransition(ItemCancelled, ItemInProgress), ErrInvalidState)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{newError(ErrValidation, "order", "", "bad"), "ValidationError"},
		{notFound("item", "x"), "NotFound"},
		{newError(ErrAlreadyFinalized, "item", "x", ""), "AlreadyFinalized"},
		{newError(ErrInvalidState, "order", "x", ""), "InvalidState"},
		{conflict("order", "x"), "Conflict"},
		{fmt.Errorf("wrapped: %w", notFound("order", "x")), "NotFound"},
		{errors.New("disk full"), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindName(tt.err), tt.err.Error())
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "not found: order 42", notFound("order", "42").Error())
	assert.Equal(t, "validation error: patient_ref is required",
		newError(ErrValidation, "order", "", "patient_ref is required").Error())
	assert.Equal(t, "invalid state", (&Error{Kind: ErrInvalidState}).Error())
}

func TestWithID(t *testing.T) {
	id := uuid.New()
	orig := ValidateOrderTransition(OrderFinalized, OrderCancelled)

	err := withID(orig, id)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, id.String(), de.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	var before *Error
	require.ErrorAs(t, orig, &before)
	assert.Empty(t, before.ID, "original error must not be mutated")

	plain := errors.New("boom")
	assert.Same(t, plain, withID(plain, id))
}
