package livefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"emissionguard/internal/model"
)

// Feed joins the CO and CO2 paths of a vehicle. Every update on either path
// emits a reading that carries the last value seen on the other path, or 0
// when that path has not delivered yet. Errors are forwarded once per outage:
// after the first one, further errors are dropped until a value arrives.
type Feed struct {
	onReading func(model.Reading)
	onError   ErrorFunc
	now       func() time.Time

	mu       sync.Mutex
	co       float64
	co2      float64
	subs     []Subscription
	failing  bool
	released bool
}

type FeedOption func(*Feed)

func WithFeedClock(fn func() time.Time) FeedOption {
	return func(f *Feed) {
		if fn != nil {
			f.now = fn
		}
	}
}

// OpenFeed subscribes both paths. If either subscription fails, any path
// already opened is released and the error is returned.
func OpenFeed(ctx context.Context, src Source, paths Paths, onReading func(model.Reading), onError ErrorFunc, opts ...FeedOption) (*Feed, error) {
	if src == nil {
		return nil, ErrNotConnected
	}
	f := &Feed{
		onReading: onReading,
		onError:   onError,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, target := range []struct {
		path string
		p    model.Pollutant
	}{{paths.CO, model.PollutantCO}, {paths.CO2, model.PollutantCO2}} {
		p := target.p
		path := target.path
		sub, err := src.Subscribe(ctx, path,
			func(v float64) { f.update(p, v) },
			func(err error) { f.fail(fmt.Errorf("%s: %w", path, err)) },
		)
		if err != nil {
			_ = f.Release()
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
	}
	return f, nil
}

func (f *Feed) update(p model.Pollutant, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.failing = false
	switch p {
	case model.PollutantCO:
		f.co = v
	case model.PollutantCO2:
		f.co2 = v
	}
	r := model.Reading{Timestamp: f.now(), CO: f.co, CO2: f.co2, Source: model.SourceLive}
	if f.onReading != nil {
		f.onReading(r)
	}
}

func (f *Feed) fail(err error) {
	f.mu.Lock()
	if f.released || f.failing {
		f.mu.Unlock()
		return
	}
	f.failing = true
	f.mu.Unlock()
	if f.onError != nil {
		f.onError(err)
	}
}

// Release drops both subscriptions. Safe to call more than once.
func (f *Feed) Release() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	f.released = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
