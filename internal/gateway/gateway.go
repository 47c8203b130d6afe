// Package gateway is the delivery boundary: attempt to hand a payload to a
// destination.
package gateway

import "context"

// Result reports a successful delivery.
type Result struct {
	DeliveryID string
}

// Gateway delivers an opaque payload. Any non-nil error is a transient
// delivery failure from the engine's point of view.
type Gateway interface {
	Send(ctx context.Context, destination string, payload []byte) (Result, error)
}
