// Package circuit provides per-model circuit breakers for resilient LLM calls.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing service failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // One trial request in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every rejection from an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Timeout          time.Duration `json:"timeout"`           // Cool-down before the single trial call
}

// DefaultConfig mirrors the shipped defaults.yaml.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 2,
	Timeout:          3 * time.Minute,
}

// Error represents a rejected call.
type Error struct {
	Model string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Model, e.State)
}

// Is makes errors.Is(err, ErrOpen) work for rejections.
func (e *Error) Is(target error) bool {
	return target == ErrOpen
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	LastFailureTime time.Time
	OpenedAt        time.Time
	State           State
	FailureCount    int
}

// Breaker defines the interface for circuit breaker implementations.
type Breaker interface {
	// Allow reports whether a call may proceed. After the cool-down it returns
	// true exactly once and moves the breaker to HALF_OPEN.
	Allow() bool

	// Record records the result (success/failure) of a call.
	Record(success bool)

	// GetState returns the current circuit breaker state.
	GetState() State

	// Snapshot returns a copy of the counters.
	Snapshot() Snapshot

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}

type breaker struct {
	now             func() time.Time
	lastFailureTime time.Time
	openedAt        time.Time
	config          Config
	mu              sync.Mutex
	state           State
	failureCount    int
}

// New creates a new circuit breaker with the given configuration.
func New(config Config) Breaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config Config, now func() time.Time) *breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	return &breaker{config: config, state: Closed, now: now}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.config.Timeout {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		// HALF_OPEN: the trial call has not reported back yet
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = Closed
		b.failureCount = 0
		b.openedAt = time.Time{}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	if b.state == HalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = Open
		b.openedAt = b.lastFailureTime
	}
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
		OpenedAt:        b.openedAt,
	}
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.openedAt = time.Time{}
}
