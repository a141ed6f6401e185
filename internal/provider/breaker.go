package provider

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Breakers guards best-effort calls, one circuit per name, so an endpoint that
// keeps failing is skipped until the open timeout passes. Callers build names
// with CircuitName to keep one character's failures from tripping another's.
type Breakers struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[any]
	threshold uint32
	timeout   time.Duration
	log       *zap.Logger
}

func NewBreakers(threshold uint32, openTimeout time.Duration, logger *zap.Logger) *Breakers {
	if threshold == 0 {
		threshold = 3
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		breakers:  make(map[string]*gobreaker.CircuitBreaker[any]),
		threshold: threshold,
		timeout:   openTimeout,
		log:       logger.Named("breaker"),
	}
}

// Execute runs fn through the circuit for op. While the circuit is open fn is
// not called and gobreaker.ErrOpenState is returned.
func (b *Breakers) Execute(op string, fn func() error) error {
	_, err := b.get(op).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *Breakers) State(op string) gobreaker.State {
	return b.get(op).State()
}

// CircuitName scopes op to a single subject such as a character id.
func CircuitName(op, subject string) string {
	if subject == "" {
		return op
	}
	return op + "/" + subject
}

// IsOpen reports whether err came from a short-circuited call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (b *Breakers) get(op string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[op]; ok {
		return cb
	}
	threshold := b.threshold
	settings := gobreaker.Settings{
		Name:        op,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Info("circuit state changed",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	cb := gobreaker.NewCircuitBreaker[any](settings)
	b.breakers[op] = cb
	return cb
}
