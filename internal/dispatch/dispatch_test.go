package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"emissionguard/internal/metrics"
	"emissionguard/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) handle(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcherFansOutInOrder(t *testing.T) {
	d := New(16, nil)
	a, b := &recorder{}, &recorder{}
	d.Register(HandlerFunc("a", a.handle))
	d.Start(context.Background())
	d.Register(HandlerFunc("b", b.handle))

	for i := 0; i < 5; i++ {
		d.Publish(model.Event{Kind: model.EventReading, VehicleID: "v1", Reading: &model.Reading{CO: float64(i)}})
	}
	d.Close()
	if a.len() != 5 || b.len() != 5 {
		t.Fatalf("a=%d b=%d", a.len(), b.len())
	}
	for i, ev := range a.events {
		if ev.Reading.CO != float64(i) {
			t.Fatalf("event %d out of order: %v", i, ev.Reading.CO)
		}
	}
	d.Publish(model.Event{Kind: model.EventReading})
	d.Close()
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := New(1, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := HandlerFunc("slow-test", func(ctx context.Context, ev model.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	d.Register(slow)
	d.Start(context.Background())

	before := testutil.ToFloat64(metrics.DispatchDrops.WithLabelValues("slow-test"))
	d.Publish(model.Event{Kind: model.EventAlert})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("slow handler never started")
	}
	done := make(chan struct{})
	go func() {
		d.Publish(model.Event{Kind: model.EventAlert})
		d.Publish(model.Event{Kind: model.EventAlert})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
	if got := testutil.ToFloat64(metrics.DispatchDrops.WithLabelValues("slow-test")) - before; got != 1 {
		t.Fatalf("drops = %v", got)
	}
	close(release)
	d.Close()
}

func TestDispatcherHandlerErrorsDoNotStopQueue(t *testing.T) {
	d := New(8, nil)
	var mu sync.Mutex
	calls := 0
	d.Register(HandlerFunc("flaky", func(ctx context.Context, ev model.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("unavailable")
	}))
	d.Start(context.Background())
	d.Publish(model.Event{Kind: model.EventNotice})
	d.Publish(model.Event{Kind: model.EventNotice})
	d.Close()
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}
