// Package circuitbreaker stops sending to a failing destination for a cooldown.
// Destinations are keyed by recipient email domain.
package circuitbreaker

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type keyState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive failures per key. It is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// DomainKey returns the lower-cased domain of an email address, or the whole
// address when it has no "@".
func DomainKey(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		email = email[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(email))
}

// Allow reports whether a send to key may proceed. After the cooldown one
// probe is let through; further calls are rejected until it is recorded.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.states, key)
}

// RecordFailure counts a transient failure. A failed half-open probe reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.now()
	}
}

// Open returns the keys whose circuit is currently not closed.
func (cb *CircuitBreaker) Open() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var keys []string
	for k, s := range cb.states {
		if s.state != stateClosed {
			keys = append(keys, k)
		}
	}
	return keys
}
