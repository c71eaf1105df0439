package consumer

import (
	"context"
)

// MessageConsumer receives scale and variants delete requests from a
// transport and hands them to the variants service.
type MessageConsumer interface {

	// Subscribes to the request queues. Messages are processed in
	// background until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Closes the transport. Messages being processed are not acked.
	Stop()
}
