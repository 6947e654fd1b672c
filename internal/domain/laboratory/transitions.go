package laboratory

import "fmt"

// orderTransitions is the only place where legal order moves are defined.
// in_progress -> finalized is reserved for the completion evaluator.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderInProgress, OrderCancelled},
	OrderInProgress: {OrderFinalized, OrderCancelled},
	OrderFinalized:  {},
	OrderCancelled:  {},
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:    {ItemInProgress, ItemFinalized, ItemCancelled},
	ItemInProgress: {ItemFinalized, ItemCancelled},
	ItemFinalized:  {},
	ItemCancelled:  {},
}

// ValidateOrderTransition reports ErrInvalidState for a move the table does not allow.
func ValidateOrderTransition(from, to OrderStatus) error {
	allowed, ok := orderTransitions[from]
	if !ok {
		return newError(ErrInvalidState, "order", "", fmt.Sprintf("unknown status %q", from))
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return newError(ErrInvalidState, "order", "", fmt.Sprintf("cannot move from %s to %s", from, to))
}

// ValidateItemTransition reports ErrInvalidState for a move the table does not allow.
func ValidateItemTransition(from, to ItemStatus) error {
	allowed, ok := itemTransitions[from]
	if !ok {
		return newError(ErrInvalidState, "item", "", fmt.Sprintf("unknown status %q", from))
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return newError(ErrInvalidState, "item", "", fmt.Sprintf("cannot move from %s to %s", from, to))
}
