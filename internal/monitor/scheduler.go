package monitor

import (
	"context"
	"sync"
	"time"

	"emissionguard/internal/config"
)

// tasks are the periodic jobs of one monitoring session.
type tasks struct {
	simulatedTick func()
	windowRefresh func()
	notice        func()
}

// startScheduler runs every task on its own ticker until ctx is done. Each
// goroutine is tracked by wg so the caller can wait for a full stop.
func startScheduler(ctx context.Context, wg *sync.WaitGroup, sched config.ScheduleConfig, t tasks) {
	every(ctx, wg, sched.SimulatedTick, sched.SimulatedTick, t.simulatedTick)
	every(ctx, wg, sched.WindowRefresh, sched.WindowRefresh, t.windowRefresh)
	every(ctx, wg, sched.NoticeDelay, sched.NoticeInterval, t.notice)
}

// every calls fn once after first, then every interval.
func every(ctx context.Context, wg *sync.WaitGroup, first, interval time.Duration, fn func()) {
	if fn == nil || interval <= 0 {
		return
	}
	if first <= 0 {
		first = interval
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(first)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
