package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// HTTPGateway POSTs the payload to the destination URL. Any non-2xx response
// or transport error is a delivery failure.
type HTTPGateway struct {
	client *resty.Client
}

func NewHTTP(timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("User-Agent", "courier")
	return &HTTPGateway{client: c}
}

func (g *HTTPGateway) Send(ctx context.Context, destination string, payload []byte) (Result, error) {
	deliveryID := "dlv_" + uuid.NewString()
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("X-Delivery-Id", deliveryID).
		SetBody(payload).
		Post(destination)
	if err != nil {
		return Result{}, fmt.Errorf("post %s: %w", destination, err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("post %s: HTTP %d", destination, resp.StatusCode())
	}
	return Result{DeliveryID: deliveryID}, nil
}
