// Package backoff computes the Listener/Provider restart delay from
// spec §5: a pure function of the consecutive-error counter, deliberately
// kept free of any timer so it is unit-testable without sleeping
// (spec §9 "Back-off computation... unit-testable without timers").
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	// MinDelay and MaxDelay clamp restart_delay per spec §5.
	MinDelay = 10 * time.Second
	MaxDelay = 600 * time.Second

	// MaxConsecutiveFailures is the spec §5 fatal-escalation threshold:
	// "After 150 consecutive failures, the worker escalates a fatal
	// error."
	MaxConsecutiveFailures = 150

	jitterFraction = 0.05
)

// Delay implements restart_delay = clamp(9 + errors^2.5, 10s, 600s) with
// ±5% jitter (spec §5). rnd may be nil, in which case the package-level
// math/rand source is used; tests pass a seeded *rand.Rand for
// determinism.
func Delay(consecutiveErrors int, rnd *rand.Rand) time.Duration {
	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}

	raw := 9 + math.Pow(float64(consecutiveErrors), 2.5)
	d := time.Duration(raw * float64(time.Second))

	if d < MinDelay {
		d = MinDelay
	}
	if d > MaxDelay {
		d = MaxDelay
	}

	jitter := jitterFraction * float64(d)
	var perturbation float64
	if rnd != nil {
		perturbation = (rnd.Float64()*2 - 1) * jitter
	} else {
		perturbation = (rand.Float64()*2 - 1) * jitter
	}

	d += time.Duration(perturbation)
	if d < 0 {
		d = 0
	}
	return d
}

// FatalAfter reports whether consecutiveErrors has reached the point a
// component must escalate to on_fatal_error and stop restarting itself
// (spec §5, §7 "Subcomponent fatal errors").
func FatalAfter(consecutiveErrors int) bool {
	return consecutiveErrors >= MaxConsecutiveFailures
}
