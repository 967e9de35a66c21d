package circuitbreaker

import (
	"errors"
	"time"

	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/sony/gobreaker/v2"
)

type Config struct {
	Name             string
	MaxRequests      uint32        // allowed through while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open -> half-open
	FailureThreshold uint32        // consecutive failures before tripping
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker wraps a gobreaker instance; use Do for typed calls.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New builds a breaker. Errors matching any of ignore are business outcomes
// (not found, conflict) and do not count as failures.
func New(cfg Config, ignore ...error) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			for _, target := range ignore {
				if errors.Is(err, target) {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// IsOpen reports whether err came from a rejected call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Do runs fn through the breaker.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	t, _ := v.(T)
	return t, err
}
