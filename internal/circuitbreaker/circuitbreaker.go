// Package circuitbreaker guards calls to an external collaborator. After a
// run of consecutive failures the breaker opens and rejects calls without
// making them, until a cool-down has passed and trial calls succeed again.
//
// States:
//   - Closed: calls pass through
//   - Open: calls are rejected with ErrOpen
//   - HalfOpen: trial calls pass through; one failure reopens
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Settings tunes a Breaker. Zero fields take the DefaultSettings value.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before allowing trial calls.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive trial successes that closes it.
	HalfOpenSuccesses int
	// IsFailure decides whether an error counts against the collaborator.
	// Defaults to every error except context cancellation.
	IsFailure func(error) bool
}

// DefaultSettings returns defaults suited to a provisioning HTTP collaborator.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
		HalfOpenSuccesses: 2,
		IsFailure:         defaultIsFailure,
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings

	mu        deadlock.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New creates a closed breaker. The name identifies the collaborator in logs.
func New(name string, s Settings) *Breaker {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.HalfOpenSuccesses <= 0 {
		s.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	if s.IsFailure == nil {
		s.IsFailure = d.IsFailure
	}
	return &Breaker{name: name, settings: s, state: StateClosed, now: time.Now}
}

// Do runs fn unless the breaker is open, and records its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && b.settings.IsFailure(err) {
		b.onFailureLocked()
	} else {
		b.onSuccessLocked()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	if b.state == StateOpen {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	return nil
}

// expireLocked moves an open breaker to half-open once the timeout elapsed.
func (b *Breaker) expireLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) > b.settings.OpenTimeout {
		b.setStateLocked(StateHalfOpen)
		b.successes = 0
	}
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.openedAt = b.now()
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.successes = 0
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.HalfOpenSuccesses {
			b.failures = 0
			b.successes = 0
			b.setStateLocked(StateClosed)
		}
	}
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	ev := log.Info()
	if to == StateOpen {
		ev = log.Warn().Int("failures", b.failures)
	}
	ev.Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

// State returns the current state, applying any due open → half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

// Name returns the breaker's collaborator name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.setStateLocked(StateClosed)
}
