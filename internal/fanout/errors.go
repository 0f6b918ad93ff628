package fanout

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriberOverrun is matched by every *SubscriberOverrunError.
	ErrSubscriberOverrun = errors.New("fanout: subscriber overrun")

	// ErrClosed is returned by Next after Unsubscribe or broadcaster shutdown.
	ErrClosed = errors.New("fanout: subscription closed")
)

// SubscriberOverrunError is the close reason of a subscription that dropped
// EvictAfterDrops events in a row.
type SubscriberOverrunError struct {
	SubscriptionID string
	Dropped        uint64
}

func (e *SubscriberOverrunError) Error() string {
	return fmt.Sprintf("fanout: subscription %s evicted after %d dropped events", e.SubscriptionID, e.Dropped)
}

func (e *SubscriberOverrunError) Unwrap() error {
	return ErrSubscriberOverrun
}
