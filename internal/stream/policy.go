package stream

import (
	"context"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy is the reconnect delay schedule of a connection.
type ReconnectPolicy struct {
	// MaxAttempts bounds consecutive failed reconnects; zero means unlimited.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// ResetOnCodes lists websocket close codes after which the schedule restarts from
	// InitialDelay.
	ResetOnCodes []int
}

// DefaultReconnectPolicy mirrors the delays used by the exchange adapters.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  0,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		ResetOnCodes: []int{1000, 1001},
	}
}

// WithDefaults fills unset fields from DefaultReconnectPolicy.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// NewBackOff returns a deterministic exponential schedule: InitialDelay, then
// multiplied by Multiplier on every call, capped at MaxDelay.
func (p ReconnectPolicy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.WithDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// ResetsOn reports whether close code restarts the schedule.
func (p ReconnectPolicy) ResetsOn(code int) bool {
	return code >= 0 && slices.Contains(p.ResetOnCodes, code)
}

// Exhausted reports whether attempts consecutive failures exceed the policy.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Sleeper waits between reconnect attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
