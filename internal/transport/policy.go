package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy kinds.
const (
	PolicyExponential = "exponential"
	PolicyFixed       = "fixed"
)

// Policy describes how long to wait between reconnect attempts.
type Policy struct {
	Kind            string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultPolicy is exponential backoff from 1s up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		Kind:            PolicyExponential,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// NewBackoff builds the strategy for p. The result never returns
// backoff.Stop on its own.
func NewBackoff(p Policy) backoff.BackOff {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.Kind == PolicyFixed {
		return backoff.NewConstantBackOff(p.InitialInterval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter < 1 {
		b.RandomizationFactor = p.Jitter
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
