package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is how often a running clock recomputes remaining time.
const DefaultTickInterval = time.Second

// Remaining returns limit − (now − startedAt), floored at zero.
func Remaining(startedAt time.Time, limit time.Duration, now time.Time) time.Duration {
	left := limit - now.Sub(startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// RemainingSeconds rounds Remaining up to whole seconds, so 0 means expired.
func RemainingSeconds(startedAt time.Time, limit time.Duration, now time.Time) int {
	return int(math.Ceil(Remaining(startedAt, limit, now).Seconds()))
}

// Clock is a countdown that recomputes remaining time from its start
// timestamp on every poll, so missed polls never extend the limit.
type Clock struct {
	now      func() time.Time
	interval time.Duration

	// paramMu guards the countdown parameters. It is never held across a callback.
	paramMu   sync.RWMutex
	startedAt time.Time
	limit     time.Duration
	onTick    func(remainingSeconds int)
	onExpire  func()
	running   bool

	// mu serializes polls, including the callbacks they invoke.
	mu       sync.Mutex
	lastTick int
	expired  bool

	cancelled atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithNow replaces the time source.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) { c.now = now }
}

// WithInterval sets the poll interval. Zero disables the background poller;
// the owner then drives the clock with Check.
func WithInterval(d time.Duration) ClockOption {
	return func(c *Clock) { c.interval = d }
}

// NewClock creates an idle clock.
func NewClock(opts ...ClockOption) *Clock {
	c := &Clock{
		now:      time.Now,
		interval: DefaultTickInterval,
		lastTick: -1,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the countdown from startedAt. Calling Start twice has no effect.
func (c *Clock) Start(startedAt time.Time, limit time.Duration, onTick func(remainingSeconds int), onExpire func()) {
	c.paramMu.Lock()
	if c.running || c.cancelled.Load() {
		c.paramMu.Unlock()
		return
	}
	c.startedAt = startedAt
	c.limit = limit
	c.onTick = onTick
	c.onExpire = onExpire
	c.running = true
	c.paramMu.Unlock()

	if c.interval > 0 {
		go c.run()
	}
}

func (c *Clock) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Check() {
				return
			}
		}
	}
}

// Check polls the clock once and reports whether it has expired. It fires
// onTick when the remaining whole seconds dropped since the last tick and
// onExpire the first time remaining reaches zero.
func (c *Clock) Check() bool {
	c.paramMu.RLock()
	startedAt, limit, running := c.startedAt, c.limit, c.running
	onTick, onExpire := c.onTick, c.onExpire
	c.paramMu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !running || c.expired {
		return c.expired
	}
	if c.cancelled.Load() {
		return true
	}

	left := RemainingSeconds(startedAt, limit, c.now())
	if c.lastTick < 0 || left < c.lastTick {
		c.lastTick = left
		if onTick != nil {
			onTick(left)
		}
	}
	if left <= 0 {
		c.expired = true
		if onExpire != nil && !c.cancelled.Load() {
			onExpire()
		}
	}
	return c.expired
}

// Remaining returns the time left without firing callbacks.
func (c *Clock) Remaining() time.Duration {
	c.paramMu.RLock()
	startedAt, limit, running := c.startedAt, c.limit, c.running
	c.paramMu.RUnlock()
	if !running {
		return 0
	}
	return Remaining(startedAt, limit, c.now())
}

// Cancel stops all future ticks and expiry. It is idempotent and does not
// wait for an in-flight callback.
func (c *Clock) Cancel() {
	c.cancelled.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
}
