package stream

import "time"

// deactivateRatio defines the hysteresis band: once active, backpressure
// clears only when utilization drops below threshold*deactivateRatio.
// The dead zone prevents flapping at buffer occupancy near the threshold.
const deactivateRatio = 0.7

// BackpressureState is a snapshot of a session's flow-control state.
type BackpressureState struct {
	Active            bool    `json:"active"`
	BufferUtilization float64 `json:"buffer_utilization"`
	AdaptiveDelayMs   int64   `json:"adaptive_delay_ms"`
}

// backpressureController throttles a session's read-ahead when the
// consumer falls behind. It is a simple negative-feedback controller:
// an artificial delay before the next pull trades latency for bounded
// buffer growth. The session's advancing goroutine is the sole caller
// of update, under the session lock.
type backpressureController struct {
	budget      int64
	threshold   float64
	adaptive    bool
	maxDelay    time.Duration
	scaleFactor float64

	active      bool
	utilization float64
	delay       time.Duration
	activations uint64
}

func newBackpressureController(cfg Config) *backpressureController {
	return &backpressureController{
		budget:      cfg.BufferByteBudget,
		threshold:   cfg.BackpressureThreshold,
		adaptive:    cfg.AdaptiveBuffering,
		maxDelay:    cfg.MaxBackpressureDelay,
		scaleFactor: cfg.DelayScaleFactor,
	}
}

// update recomputes utilization from the bytes currently in flight and
// applies the hysteresis transitions. It returns the delay to insert
// before the next pull; zero means pull immediately. The activation
// counter increments only on the inactive-to-active edge, not on every
// pull while already active.
func (c *backpressureController) update(bufferedBytes int64) time.Duration {
	utilization := float64(bufferedBytes) / float64(c.budget)
	if utilization < 0 {
		utilization = 0
	}
	c.utilization = utilization

	switch {
	case utilization > c.threshold:
		if !c.active {
			c.active = true
			c.activations++
		}
		if c.adaptive {
			delay := time.Duration((utilization - c.threshold) * c.scaleFactor * float64(time.Millisecond))
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			c.delay = delay
			return delay
		}
	case c.active && utilization < c.threshold*deactivateRatio:
		c.active = false
		c.delay = 0
	}
	return 0
}

func (c *backpressureController) snapshot() BackpressureState {
	return BackpressureState{
		Active:            c.active,
		BufferUtilization: c.utilization,
		AdaptiveDelayMs:   c.delay.Milliseconds(),
	}
}
