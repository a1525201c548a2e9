package shareprice

import (
	"context"
)

type TransportKind int

const (
	TransportRequest TransportKind = iota
	TransportDuplex
)

func (self TransportKind) String() string {
	switch self {
	case TransportDuplex:
		return "duplex"
	default:
		return "request"
	}
}

// SelectTransport is total: subscriptions use the duplex channel, everything else request/response.
func SelectTransport(operation *Operation) TransportKind {
	switch operation.Kind {
	case OperationSubscription:
		return TransportDuplex
	default:
		return TransportRequest
	}
}

// implemented by `HttpChannel`
type RequestChannel interface {
	Do(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error)
}

// implemented by `DuplexChannel`
type SubscriptionChannel interface {
	Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error)
	Close()
}

// Selector routes each operation to a channel by its kind.
// Both entry points accept every kind of operation.
type Selector struct {
	request RequestChannel
	duplex  SubscriptionChannel
}

func NewSelector(request RequestChannel, duplex SubscriptionChannel) *Selector {
	return &Selector{
		request: request,
		duplex:  duplex,
	}
}

// Do returns the single result of the operation.
// A subscription resolves to its first event and is then released.
func (self *Selector) Do(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	switch SelectTransport(operation) {
	case TransportDuplex:
		subscription, err := self.duplex.Subscribe(ctx, operation, variables)
		if err != nil {
			return nil, err
		}
		defer subscription.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case result, ok := <-subscription.Events():
			if !ok {
				if err := subscription.Err(); err != nil {
					return nil, err
				}
				return nil, ErrSubscriptionClosed
			}
			return result, nil
		}
	default:
		return self.request.Do(ctx, operation, variables)
	}
}

// Subscribe streams the operation. A query or mutation is a stream of one result.
func (self *Selector) Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error) {
	switch SelectTransport(operation) {
	case TransportDuplex:
		return self.duplex.Subscribe(ctx, operation, variables)
	default:
		subscription := newSubscription(ctx, NewId().String(), operation, 1, nil)
		subscription.start()
		go func() {
			result, err := self.request.Do(subscription.ctx, operation, variables)
			if err != nil {
				subscription.finish(err)
				return
			}
			subscription.deliver(result, 0)
			subscription.finish(nil)
		}()
		return subscription, nil
	}
}

func (self *Selector) Close() {
	self.duplex.Close()
}
