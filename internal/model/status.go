package model

// deliveryTransitions defines the legal forward edges of the delivery
// state machine. Anything not listed is rejected.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending:    {DeliveryAssigned, DeliveryCancelled},
	DeliveryAssigned:   {DeliveryInProgress, DeliveryCancelled},
	DeliveryInProgress: {DeliveryCompleted, DeliveryCancelled, DeliveryFailed},
}

// CanTransition reports whether moving a delivery from one status to
// another follows a defined edge.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range deliveryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidDeliveryStatus reports whether s names a known delivery status.
func ValidDeliveryStatus(s DeliveryStatus) bool {
	switch s {
	case DeliveryPending, DeliveryAssigned, DeliveryInProgress,
		DeliveryCompleted, DeliveryCancelled, DeliveryFailed:
		return true
	}
	return false
}

// Terminal reports whether a delivery status is final.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryCompleted, DeliveryCancelled, DeliveryFailed:
		return true
	}
	return false
}
