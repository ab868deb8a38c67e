package sink

import "time"

// frameClock paces outbound frames to a fixed rate. The deadline advances by
// one interval per frame so jitter in individual iterations does not
// accumulate; if the producer falls more than one interval behind, the clock
// resynchronizes instead of bursting to catch up.
type frameClock struct {
	interval time.Duration
	next     time.Time
}

func newFrameClock(fps int) *frameClock {
	if fps <= 0 {
		fps = 30
	}
	return &frameClock{interval: time.Second / time.Duration(fps)}
}

func (c *frameClock) SleepUntilNextFrame() {
	now := time.Now()
	if c.next.IsZero() {
		c.next = now.Add(c.interval)
		return
	}

	if d := c.next.Sub(now); d > 0 {
		time.Sleep(d)
	}

	c.next = c.next.Add(c.interval)
	if c.next.Before(time.Now()) {
		c.next = time.Now().Add(c.interval)
	}
}
