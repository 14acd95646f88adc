package contracts

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
)

// MessageHandler defines the signature for a function that can process a RabbitMQ message.
// It's the contract between the eventbus consumer and the order relay.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ErrPermanentFailure is the root of every error that must not be retried.
// The eventbus consumer never requeues a message whose handler returned it.
var ErrPermanentFailure = errors.New("permanent failure processing message")

var (
	// ErrMalformedMessage means the payload could not be parsed. The message is
	// parked and acknowledged.
	ErrMalformedMessage = fmt.Errorf("%w: malformed message", ErrPermanentFailure)

	// ErrConstraintViolation means the store rejected the order and the stored
	// row does not match it. The message is dead-lettered for manual review.
	ErrConstraintViolation = fmt.Errorf("%w: constraint violation", ErrPermanentFailure)

	// ErrInvalidOrderData means the store cannot represent the order's values.
	// The message is dead-lettered.
	ErrInvalidOrderData = fmt.Errorf("%w: invalid order data", ErrPermanentFailure)

	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrPublishFailure   = errors.New("stock check publish failed")
)

// Disposition is what the consumer does with a delivery once handled.
type Disposition int

const (
	Ack Disposition = iota
	Drop
	DeadLetter
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "acked"
	case Drop:
		return "dropped"
	case DeadLetter:
		return "dead_lettered"
	case Requeue:
		return "requeued"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Classify maps a handler result to a broker action.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformedMessage):
		return Drop
	case errors.Is(err, ErrPermanentFailure):
		return DeadLetter
	default:
		return Requeue
	}
}
