// Package bus abstracts the message bus a channel worker consumes from.
//
// None of the supported brokers evaluate attribute predicates server-side,
// so every Subscription applies its Matcher client-side: deliveries that do
// not match are acknowledged and skipped inside Fetch and never reach the
// worker.
package bus

import (
	"context"

	"github.com/solatis/paybridge/internal/types"
)

// Matcher is a compiled channel filter.
type Matcher interface {
	Match(attrs types.Attributes) bool
	String() string
}

// Options configures a subscription.
type Options struct {
	// Group names the consumer group; subscriptions sharing a group share
	// delivery, distinct groups each receive every message.
	Group string

	// Selector filters deliveries. Nil admits everything.
	Selector Matcher
}

// Delivery is one fetched message together with the transport handle used
// to acknowledge it.
type Delivery struct {
	Message types.Message
	Headers map[string]string

	handle any
}

// Subscription is the consuming side of a channel. Fetch is called from a
// single goroutine; Commit and Rollback must be given deliveries returned by
// this subscription.
type Subscription interface {
	Fetch(ctx context.Context) (*Delivery, error)
	Commit(ctx context.Context, d *Delivery) error
	Rollback(ctx context.Context, d *Delivery) error

	// SetSelector replaces the filter without tearing the subscription
	// down.
	SetSelector(sel Matcher) error
	Selector() Matcher

	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, opts Options) (Subscription, error)
}

// Publisher writes messages onto the bus.
type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

// Transport is a connected bus.
type Transport interface {
	Subscriber
	Publisher
	Close() error
}

func matches(sel Matcher, attrs types.Attributes) bool {
	return sel == nil || sel.Match(attrs)
}

// selectorString renders sel for logs.
func selectorString(sel Matcher) string {
	if sel == nil {
		return ""
	}
	return sel.String()
}
