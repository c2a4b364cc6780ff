package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parlance/pkg/events"
)

// recorder is a comparable observer that records delivered events.
type recorder struct {
	name string
	log  *[]string
	mu   *sync.Mutex
	err  error
}

func (r *recorder) OnEvent(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	*r.log = append(*r.log, r.name+":"+ev.Type().String())
	r.mu.Unlock()
	return r.err
}

func newLog() (*[]string, *sync.Mutex) { return new([]string), new(sync.Mutex) }

func started(seq uint64) events.Event {
	return events.SessionStarted{Header: events.Header{SessionID: "s1", Seq: seq}}
}

func stopped(seq uint64) events.Event {
	return events.SessionStopped{Header: events.Header{SessionID: "s1", Seq: seq}}
}

func TestEmit_SubscriptionOrder(t *testing.T) {
	t.Parallel()
	log, mu := newLog()
	d := New()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := d.Subscribe(&recorder{name: name, log: log, mu: mu}); err != nil {
			t.Fatalf("Subscribe(%s): %v", name, err)
		}
	}

	d.Emit(context.Background(), started(1))
	d.Emit(context.Background(), stopped(2))

	want := []string{
		"a:SessionStarted", "b:SessionStarted", "c:SessionStarted",
		"a:SessionStopped", "b:SessionStopped", "c:SessionStopped",
	}
	if len(*log) != len(want) {
		t.Fatalf("log = %v, want %v", *log, want)
	}
	for i := range want {
		if (*log)[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, (*log)[i], want[i])
		}
	}
}

func TestSubscribe_Duplicate(t *testing.T) {
	t.Parallel()
	log, mu := newLog()
	d := New()
	r := &recorder{name: "a", log: log, mu: mu}

	if _, err := d.Subscribe(r); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := d.Subscribe(r); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second Subscribe err = %v, want ErrAlreadySubscribed", err)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}

	// ObserverFunc values are not comparable and may be registered freely.
	fn := events.ObserverFunc(func(context.Context, events.Event) error { return nil })
	if _, err := d.Subscribe(fn); err != nil {
		t.Fatalf("Subscribe(func): %v", err)
	}
	if _, err := d.Subscribe(fn); err != nil {
		t.Fatalf("Subscribe(func) again: %v", err)
	}
	if d.Len() != 3 {
		t.Errorf("Len() = %d, want 3", d.Len())
	}

	if _, err := d.Subscribe(nil); err == nil {
		t.Error("Subscribe(nil) should fail")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	log, mu := newLog()
	d := New()
	a := &recorder{name: "a", log: log, mu: mu}
	b := &recorder{name: "b", log: log, mu: mu}
	_, _ = d.Subscribe(a)
	_, _ = d.Subscribe(b)

	var fnCalls int
	cancel, err := d.Subscribe(events.ObserverFunc(func(context.Context, events.Event) error {
		fnCalls++
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	if !d.Unsubscribe(a) {
		t.Error("Unsubscribe(a) = false, want true")
	}
	if d.Unsubscribe(a) {
		t.Error("second Unsubscribe(a) = true, want false")
	}
	cancel()
	cancel()

	d.Emit(context.Background(), started(1))
	if len(*log) != 1 || (*log)[0] != "b:SessionStarted" {
		t.Errorf("log = %v, want only b", *log)
	}
	if fnCalls != 0 {
		t.Errorf("removed func observer called %d times", fnCalls)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestEmit_IsolatesErrorsAndPanics(t *testing.T) {
	t.Parallel()
	log, mu := newLog()

	var faults []Fault
	d := New(WithFaultHandler(func(f Fault) { faults = append(faults, f) }))

	_, _ = d.Subscribe(&recorder{name: "failing", log: log, mu: mu, err: errors.New("disk full")})
	_, _ = d.Subscribe(events.ObserverFunc(func(context.Context, events.Event) error {
		panic("boom")
	}))
	_, _ = d.Subscribe(&recorder{name: "healthy", log: log, mu: mu})

	d.Emit(context.Background(), started(1))

	if len(*log) != 2 || (*log)[1] != "healthy:SessionStarted" {
		t.Errorf("log = %v, want healthy observer to still receive the event", *log)
	}
	if len(faults) != 2 {
		t.Fatalf("faults = %d, want 2", len(faults))
	}
	if faults[0].Kind != FaultError || faults[0].Err.Error() != "disk full" {
		t.Errorf("fault[0] = %+v", faults[0])
	}
	if faults[1].Kind != FaultPanic {
		t.Errorf("fault[1].Kind = %s, want panic", faults[1].Kind)
	}
	if faults[1].Event.Type() != events.TypeSessionStarted {
		t.Errorf("fault[1].Event = %v", faults[1].Event.Type())
	}
}

func TestEmit_InlineWithoutTimeout(t *testing.T) {
	t.Parallel()
	var faults int
	d := New(WithDeliveryTimeout(0), WithFaultHandler(func(Fault) { faults++ }))
	_, _ = d.Subscribe(events.ObserverFunc(func(context.Context, events.Event) error {
		panic("inline")
	}))
	d.Emit(context.Background(), started(1))
	if faults != 1 {
		t.Errorf("faults = %d, want 1", faults)
	}
}

func TestEmit_StalledObserverSkipped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var (
		mu       sync.Mutex
		slowSeen []uint64
		fastSeen []uint64
		faults   []FaultKind
	)

	d := New(
		WithDeliveryTimeout(20*time.Millisecond),
		WithFaultHandler(func(f Fault) { faults = append(faults, f.Kind) }),
	)
	_, _ = d.Subscribe(events.ObserverFunc(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		slowSeen = append(slowSeen, ev.EventHeader().Seq)
		mu.Unlock()
		if ev.EventHeader().Seq == 1 {
			<-release
		}
		return nil
	}))
	_, _ = d.Subscribe(events.ObserverFunc(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		fastSeen = append(fastSeen, ev.EventHeader().Seq)
		mu.Unlock()
		return nil
	}))

	d.Emit(context.Background(), started(1))
	d.Emit(context.Background(), stopped(2))

	if len(faults) != 1 || faults[0] != FaultTimeout {
		t.Fatalf("faults = %v, want one timeout", faults)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		stalled := d.subs[0].stalled.Load()
		d.mu.Unlock()
		if !stalled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("observer still stalled after its call returned")
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.Emit(context.Background(), stopped(3))

	mu.Lock()
	defer mu.Unlock()
	if want := []uint64{1, 3}; len(slowSeen) != 2 || slowSeen[0] != want[0] || slowSeen[1] != want[1] {
		t.Errorf("slow observer saw %v, want %v", slowSeen, want)
	}
	if len(fastSeen) != 3 {
		t.Errorf("fast observer saw %v, want all three events", fastSeen)
	}
}
