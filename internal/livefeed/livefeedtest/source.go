// Package livefeedtest provides an in-memory live source for tests.
package livefeedtest

import (
	"context"
	"sync"

	"emissionguard/internal/livefeed"
)

// Source is a scriptable livefeed.Source. Values and failures are injected
// with Emit, EmitRaw and Fail.
type Source struct {
	mu       sync.Mutex
	subs     map[*Sub]struct{}
	err      error
	pathErrs map[string]error
	opened   int
	released int
	closed   bool
}

type Sub struct {
	src     *Source
	path    string
	onValue livefeed.ValueFunc
	onError livefeed.ErrorFunc
	once    sync.Once
}

func NewSource() *Source {
	return &Source{
		subs:     make(map[*Sub]struct{}),
		pathErrs: make(map[string]error),
	}
}

// FailSubscribe makes every following Subscribe call return err. nil clears it.
func (s *Source) FailSubscribe(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Source) FailPath(path string, err error) {
	s.mu.Lock()
	s.pathErrs[path] = err
	s.mu.Unlock()
}

func (s *Source) Subscribe(_ context.Context, path string, onValue livefeed.ValueFunc, onError livefeed.ErrorFunc) (livefeed.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, livefeed.ErrClosed
	}
	if err := s.err; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.pathErrs[path]; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &Sub{src: s, path: path, onValue: onValue, onError: onError}
	s.subs[sub] = struct{}{}
	s.opened++
	s.mu.Unlock()
	return sub, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Source) active(path string) []*Sub {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Sub
	for sub := range s.subs {
		if path == "" || sub.path == path {
			out = append(out, sub)
		}
	}
	return out
}

// Emit delivers v to every active subscription on path and reports how many
// received it.
func (s *Source) Emit(path string, v float64) int {
	subs := s.active(path)
	for _, sub := range subs {
		sub.onValue(v)
	}
	return len(subs)
}

// EmitRaw runs payload through the same parsing a real transport applies.
func (s *Source) EmitRaw(path string, payload []byte) int {
	v, ok := livefeed.ParseValue(payload)
	if !ok {
		return 0
	}
	return s.Emit(path, v)
}

// Fail reports err once to every active subscription.
func (s *Source) Fail(err error) int {
	subs := s.active("")
	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
	return len(subs)
}

// Active counts unreleased subscriptions; path "" counts all.
func (s *Source) Active(path string) int {
	return len(s.active(path))
}

func (s *Source) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Source) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (sub *Sub) Path() string {
	return sub.path
}

func (sub *Sub) Release() error {
	sub.once.Do(func() {
		sub.src.mu.Lock()
		delete(sub.src.subs, sub)
		sub.src.released++
		sub.src.mu.Unlock()
	})
	return nil
}
