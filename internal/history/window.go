package history

import (
	"sort"
	"sync"

	"emissionguard/internal/model"
)

const DefaultCapacity = 12

// Window is a fixed-capacity, chronologically ordered buffer of the most
// recent readings. Entries are kept oldest first.
type Window struct {
	mu       sync.RWMutex
	capacity int
	entries  []model.Reading
	head     int
}

// NewWindow clamps capacity to (0, DefaultCapacity]; zero or negative means
// DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		entries:  make([]model.Reading, 0, capacity*2),
	}
}

func (w *Window) Capacity() int {
	return w.capacity
}

// Push appends r and evicts the oldest entry beyond capacity. A reading older
// than the newest entry is dropped and Push reports false.
func (w *Window) Push(r model.Reading) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.entries); n > w.head && r.Timestamp.Before(w.entries[n-1].Timestamp) {
		return false
	}
	w.entries = append(w.entries, r)
	if len(w.entries)-w.head > w.capacity {
		w.head++
	}
	if w.head > 0 && w.head >= w.capacity {
		w.entries = append(make([]model.Reading, 0, w.capacity*2), w.entries[w.head:]...)
		w.head = 0
	}
	return true
}

// Replace swaps the whole window for seq. The input is sorted by timestamp
// and only its newest entries up to capacity are kept.
func (w *Window) Replace(seq []model.Reading) {
	next := make([]model.Reading, len(seq), max(len(seq), w.capacity*2))
	copy(next, seq)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})
	if len(next) > w.capacity {
		next = append(next[:0:0], next[len(next)-w.capacity:]...)
	}
	w.mu.Lock()
	w.entries = next
	w.head = 0
	w.mu.Unlock()
}

func (w *Window) Reset() {
	w.mu.Lock()
	w.entries = w.entries[:0]
	w.head = 0
	w.mu.Unlock()
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries) - w.head
}

// Latest returns the newest entry.
func (w *Window) Latest() (model.Reading, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.entries) == w.head {
		return model.Reading{}, false
	}
	return w.entries[len(w.entries)-1], true
}

// Snapshot returns a copy of the window, oldest first.
func (w *Window) Snapshot() []model.Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.Reading, len(w.entries)-w.head)
	copy(out, w.entries[w.head:])
	return out
}
