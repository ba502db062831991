package session

import "time"

// cooldown grows a base delay exponentially with consecutive failures.
// The control loop owns it; it is not safe for concurrent use.
type cooldown struct {
	max      time.Duration
	failures int
}

// next returns the delay to wait after one more failure, base doubled once
// per earlier consecutive failure and capped at max.
func (c *cooldown) next(base time.Duration) time.Duration {
	d := base
	for range c.failures {
		d *= 2
		if c.max > 0 && d >= c.max {
			break
		}
	}
	if c.max > 0 && d > c.max {
		d = c.max
	}
	c.failures++
	return d
}

// reset clears the failure streak after a successful turn.
func (c *cooldown) reset() {
	c.failures = 0
}
