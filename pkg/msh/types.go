package msh

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

// Response is the synchronous answer to a received message
type Response struct {
	ContentType string
	Body        []byte
	// Units are the message units carried in the response
	Units []*model.MessageUnit
}

// DeliveryMethod hands received User Messages to the business application.
// Payload content can be read from payload storage by PayloadID.
type DeliveryMethod interface {
	Deliver(ctx context.Context, unit *model.MessageUnit) error
}

// DeliveryFunc adapts a function to a DeliveryMethod
type DeliveryFunc func(ctx context.Context, unit *model.MessageUnit) error

// Deliver implements DeliveryMethod
func (f DeliveryFunc) Deliver(ctx context.Context, unit *model.MessageUnit) error {
	return f(ctx, unit)
}

// DeliveryError is returned by delivery methods that could not deliver
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// storeOnly leaves delivered messages in the repository and payload storage
// for the business application to fetch
type storeOnly struct{}

func (storeOnly) Deliver(context.Context, *model.MessageUnit) error { return nil }
