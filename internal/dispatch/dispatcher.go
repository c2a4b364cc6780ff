// Package dispatch delivers session events to registered observers.
//
// Delivery is synchronous and ordered: [Dispatcher.Emit] hands the event to
// every observer in subscription order and returns once each has either
// returned, failed, or exceeded the delivery timeout. A failing observer
// never affects the others or the emitting session. An observer that exceeds
// the timeout is marked stalled and receives no further events until its
// pending call returns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/pkg/events"
)

// defaultDeliveryTimeout bounds a single OnEvent call.
const defaultDeliveryTimeout = 5 * time.Second

// ErrAlreadySubscribed is returned when the same observer value is
// subscribed twice.
var ErrAlreadySubscribed = errors.New("dispatch: observer already subscribed")

// FaultKind classifies a failed delivery.
type FaultKind string

const (
	FaultError   FaultKind = "error"
	FaultPanic   FaultKind = "panic"
	FaultTimeout FaultKind = "timeout"
)

// Fault describes one failed delivery.
type Fault struct {
	Kind     FaultKind
	Observer events.Observer
	Event    events.Event
	Err      error
}

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithDeliveryTimeout overrides the per-observer delivery timeout. A value
// <= 0 disables the timeout and calls observers inline.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithMetrics records emitted events and observer faults on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithFaultHandler registers fn to be called for every failed delivery. fn
// runs on the emitting goroutine and must not block.
func WithFaultHandler(fn func(Fault)) Option {
	return func(d *Dispatcher) {
		d.onFault = fn
	}
}

type subscription struct {
	obs     events.Observer
	stalled atomic.Bool
}

// Dispatcher fans events out to observers. It is safe for concurrent use.
type Dispatcher struct {
	timeout time.Duration
	metrics *observe.Metrics
	onFault func(Fault)

	mu   sync.Mutex
	subs []*subscription
}

// New creates a Dispatcher with no observers.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{timeout: defaultDeliveryTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers o and returns a function that removes exactly this
// registration. Comparable observers (pointers, named struct values) can
// only be registered once; a second Subscribe returns [ErrAlreadySubscribed].
// Non-comparable observers such as [events.ObserverFunc] are always accepted
// and can only be removed through the returned function.
func (d *Dispatcher) Subscribe(o events.Observer) (unsubscribe func(), err error) {
	if o == nil {
		return nil, fmt.Errorf("dispatch: subscribe: nil observer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if isComparable(o) {
		for _, s := range d.subs {
			if isComparable(s.obs) && s.obs == o {
				return nil, ErrAlreadySubscribed
			}
		}
	}
	sub := &subscription{obs: o}
	d.subs = append(d.subs, sub)

	var once sync.Once
	return func() { once.Do(func() { d.remove(sub) }) }, nil
}

// Unsubscribe removes the comparable observer o. It reports whether o was
// registered.
func (d *Dispatcher) Unsubscribe(o events.Observer) bool {
	if o == nil || !isComparable(o) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if isComparable(s.obs) && s.obs == o {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) remove(sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s == sub {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Emit delivers ev to every observer registered at the time of the call, in
// subscription order.
func (d *Dispatcher) Emit(ctx context.Context, ev events.Event) {
	d.mu.Lock()
	subs := append([]*subscription(nil), d.subs...)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordEvent(ctx, ev.Type().String())
	}

	for _, s := range subs {
		if s.stalled.Load() {
			slog.Debug("skipping stalled observer",
				"session_id", ev.EventHeader().SessionID,
				"event", ev.Type().String())
			continue
		}
		d.deliver(ctx, s, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s *subscription, ev events.Event) {
	if d.timeout <= 0 {
		kind, err := call(ctx, s.obs, ev)
		if err != nil {
			d.fault(ctx, Fault{Kind: kind, Observer: s.obs, Event: ev, Err: err})
		}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	type outcome struct {
		kind FaultKind
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		kind, err := call(callCtx, s.obs, ev)
		done <- outcome{kind, err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		cancel()
		if out.err != nil {
			d.fault(ctx, Fault{Kind: out.kind, Observer: s.obs, Event: ev, Err: out.err})
		}
	case <-timer.C:
		s.stalled.Store(true)
		d.fault(ctx, Fault{
			Kind:     FaultTimeout,
			Observer: s.obs,
			Event:    ev,
			Err:      fmt.Errorf("dispatch: observer did not return within %s", d.timeout),
		})
		go func() {
			<-done
			cancel()
			s.stalled.Store(false)
		}()
	}
}

// call invokes the observer, converting a panic into an error.
func call(ctx context.Context, o events.Observer, ev events.Event) (kind FaultKind, err error) {
	defer func() {
		if r := recover(); r != nil {
			kind, err = FaultPanic, fmt.Errorf("dispatch: observer panicked: %v", r)
		}
	}()
	return FaultError, o.OnEvent(ctx, ev)
}

func (d *Dispatcher) fault(ctx context.Context, f Fault) {
	slog.Warn("observer delivery failed",
		"session_id", f.Event.EventHeader().SessionID,
		"event", f.Event.Type().String(),
		"fault", string(f.Kind),
		"observer", fmt.Sprintf("%T", f.Observer),
		"err", f.Err)
	if d.metrics != nil {
		d.metrics.RecordObserverFault(ctx, string(f.Kind))
	}
	if d.onFault != nil {
		d.onFault(f)
	}
}

func isComparable(o events.Observer) bool {
	return reflect.TypeOf(o).Comparable()
}
