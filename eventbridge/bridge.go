// Package eventbridge optionally mirrors a client's event stream onto NATS
// so out-of-process listeners can observe node and link activity without
// linking against this module. It is additive: a client that never
// constructs a Bridge behaves exactly as if this package didn't exist.
package eventbridge

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bridge republishes events of type T onto NATS, one message per event, on
// a subject namespaced by instance name.
type Bridge[T any] struct {
	nc       *nats.Conn
	instance string

	mu     sync.Mutex
	cancel func()
}

// New returns a Bridge that will publish onto "<instance>.events".
func New[T any](nc *nats.Conn, instance string) *Bridge[T] {
	return &Bridge[T]{nc: nc, instance: instance}
}

func (b *Bridge[T]) subject() string {
	return fmt.Sprintf("%s.events", b.instance)
}

// Publish marshals event as JSON and sends it as a NATS message, tagging it
// with the source instance so a listener fed by several bridges can tell
// them apart.
func (b *Bridge[T]) Publish(event T) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbridge: marshal event: %w", err)
	}

	msg := &nats.Msg{Subject: b.subject(), Data: data, Header: nats.Header{}}
	msg.Header.Set("X-Instance", b.instance)
	return b.nc.PublishMsg(msg)
}

// Mirror republishes every event received on events onto NATS until that
// channel closes. It is meant to be run in its own goroutine, fed by the
// channel of an events.Subscription[T]:
//
//	sub, _ := publisher.Subscribe(64, events.DropPolicyDropOldest)
//	go bridge.Mirror(sub.C())
func (b *Bridge[T]) Mirror(events <-chan T) {
	for event := range events {
		_ = b.Publish(event) // best-effort; NATS outage never blocks the local publisher
	}
}

// Subscription is a NATS-backed receive handle for mirrored events from
// another process.
type Subscription[T any] struct {
	sub *nats.Subscription
	ch  chan T
}

// Subscribe listens on "<instance>.events" and decodes each message as T.
// Malformed messages are dropped silently rather than surfaced, since a
// listener has no way to request redelivery over core NATS.
func Subscribe[T any](nc *nats.Conn, instance string, bufferSize int) (*Subscription[T], error) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan T, bufferSize)
	subject := fmt.Sprintf("%s.events", instance)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var event T
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		select {
		case ch <- event:
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("eventbridge: subscribe: %w", err)
	}

	return &Subscription[T]{sub: sub, ch: ch}, nil
}

func (s *Subscription[T]) C() <-chan T { return s.ch }

func (s *Subscription[T]) Unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.ch)
}
