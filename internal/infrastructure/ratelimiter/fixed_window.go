package ratelimiter

import (
	"sync"
	"time"
)

type windowState struct {
	count   int
	resetAt time.Time
}

// FixedWindow allows each source a fixed number of requests per window.
type FixedWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*windowState

	done      chan struct{}
	closeOnce sync.Once
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	rl := &FixedWindow{
		limit:   limit,
		window:  window,
		windows: make(map[string]*windowState),
		done:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether the source may proceed, and when it may retry if not.
func (rl *FixedWindow) Allow(source string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.windows[source]
	if !ok || !now.Before(st.resetAt) {
		rl.windows[source] = &windowState{
			count:   1,
			resetAt: now.Truncate(rl.window).Add(rl.window),
		}
		return true, 0
	}

	if st.count >= rl.limit {
		return false, time.Until(st.resetAt)
	}

	st.count++
	return true, 0
}

func (rl *FixedWindow) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *FixedWindow) removeExpired() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for source, st := range rl.windows {
		if now.After(st.resetAt) {
			delete(rl.windows, source)
		}
	}
}

func (rl *FixedWindow) Close() {
	rl.closeOnce.Do(func() {
		close(rl.done)
	})
}
