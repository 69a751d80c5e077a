package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Transition describes a state change, reported to OnTransition.
type Transition struct {
	From  CircuitState
	To    CircuitState
	Class string
}

// CircuitBreaker is a minimal per-error-class breaker.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
	// OnTransition, when set, is called after every state change while the
	// breaker lock is held; it must not call back into the breaker.
	OnTransition func(Transition)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return true
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.setState(CircuitHalfOpen, c.openedClass)
		return true
	}
	return false
}

// Remaining returns how long an open breaker keeps denying work.
func (c *CircuitBreaker) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return 0
	}
	return max(0, c.Cooldown-now.Sub(c.openedAt))
}

// RecordSuccess updates state after a successful probe/operation.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitClosed {
		c.setState(CircuitClosed, c.openedClass)
	}
	c.openedClass = ""
	c.failures = map[string]int{}
}

// RecordFailure updates state after an error in the given class.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		return
	}
	c.failures[errClass]++
	if c.state == CircuitClosed && c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
	}
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) open(class string, now time.Time) {
	c.openedAt = now
	c.openedClass = class
	c.setState(CircuitOpen, class)
}

func (c *CircuitBreaker) setState(to CircuitState, class string) {
	from := c.state
	c.state = to
	if c.OnTransition != nil && from != to {
		c.OnTransition(Transition{From: from, To: to, Class: class})
	}
}
