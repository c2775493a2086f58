// Package resilience isolates failing registries so that mirrors can take
// over without waiting for every request to exhaust its retries.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/justbytecode/velocity/observability"
)

// State represents the current state of a breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing whether the host recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrOpen is returned when a host's breaker rejects a request.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures uint

	// Cooldown is how long an open breaker rejects requests before probing.
	Cooldown time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

type breaker struct {
	state    State
	failures uint
	openedAt time.Time
	probing  bool
}

// Breakers tracks one breaker per registry host.
type Breakers struct {
	config Config
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*breaker
}

// NewBreakers creates a per-host breaker set.
func NewBreakers(config Config) *Breakers {
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultConfig().MaxFailures
	}
	return &Breakers{
		config: config,
		now:    time.Now,
		hosts:  make(map[string]*breaker),
	}
}

func (b *Breakers) get(host string) *breaker {
	br, ok := b.hosts[host]
	if !ok {
		br = &breaker{}
		b.hosts[host] = br
	}
	return br
}

// Allow reports whether a request to host may proceed. An open breaker
// whose cooldown elapsed lets exactly one probe through.
func (b *Breakers) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(host)
	switch br.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(br.openedAt) < b.config.Cooldown {
			return ErrOpen
		}
		b.setState(host, br, StateHalfOpen)
		br.probing = true
		return nil
	default:
		if br.probing {
			return ErrOpen
		}
		br.probing = true
		return nil
	}
}

// Success records a successful request to host.
func (b *Breakers) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(host)
	br.failures = 0
	br.probing = false
	if br.state != StateClosed {
		b.setState(host, br, StateClosed)
	}
}

// Failure records a failed request to host.
func (b *Breakers) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	observability.CircuitBreakerFailures.WithLabelValues(host).Inc()

	br := b.get(host)
	br.probing = false
	br.failures++
	if br.state == StateHalfOpen || br.failures >= b.config.MaxFailures {
		br.openedAt = b.now()
		b.setState(host, br, StateOpen)
	}
}

// State returns the state of host's breaker.
func (b *Breakers) State(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if br, ok := b.hosts[host]; ok {
		return br.state
	}
	return StateClosed
}

func (b *Breakers) setState(host string, br *breaker, s State) {
	br.state = s
	observability.CircuitBreakerState.WithLabelValues(host).Set(float64(s))
}
