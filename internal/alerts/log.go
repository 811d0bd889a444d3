package alerts

import (
	"sync"
	"time"

	"emissionguard/internal/model"
)

const DefaultLogCapacity = 5

// Log is a capped list of raised alerts, newest first. When full, adding an
// alert evicts the oldest one.
type Log struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

// NewLog clamps limit to (0, DefaultLogCapacity].
func NewLog(limit int) *Log {
	if limit <= 0 || limit > DefaultLogCapacity {
		limit = DefaultLogCapacity
	}
	return &Log{buf: make([]model.Alert, 0, limit), limit: limit}
}

func (l *Log) Add(alert model.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) < l.limit {
		l.buf = append(l.buf, model.Alert{})
	}
	copy(l.buf[1:], l.buf[:len(l.buf)-1])
	l.buf[0] = alert
}

// List returns up to limit alerts, newest first. limit <= 0 returns all.
func (l *Log) List(limit int) []model.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]model.Alert, limit)
	copy(out, l.buf[:limit])
	return out
}

func (l *Log) Since(ts time.Time) []model.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range l.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = l.buf[:0]
}
