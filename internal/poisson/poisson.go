// poisson.go - Exponential interval sampling for traffic shaping.
// Copyright (C) 2022  Nym Technologies SA
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package poisson draws i.i.d. Exponential(1/mean) samples, the shared
// primitive behind the real-traffic and cover-traffic Poisson shaping and
// per-hop Sphinx delay sampling.
package poisson

import (
	"math/rand"
	"time"
)

// Sample draws one Exponential(1/mean) duration. A mean of zero or less
// returns zero immediately (debug/disabled case).
func Sample(rng *rand.Rand, mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	return time.Duration(rng.ExpFloat64() * float64(mean))
}

// SampleHopDelays draws n i.i.d. Exponential(1/meanPerHop) samples, one per
// hop, as used when preparing a Sphinx packet.
func SampleHopDelays(rng *rand.Rand, meanPerHop time.Duration, n int) []time.Duration {
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = Sample(rng, meanPerHop)
	}
	return delays
}

// Sum adds up a slice of per-hop delays into the packet's total delay.
func Sum(delays []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range delays {
		total += d
	}
	return total
}

// Fount is a tick source that fires at i.i.d. Exponential(1/rate) intervals.
// It is the scheduling primitive behind both the real-traffic stream and
// the independent cover-traffic stream: each owns its own Fount so that
// their rates can be tuned independently.
type Fount struct {
	rng    *rand.Rand
	mean   time.Duration
	timer  *time.Timer
	manual bool // disable_main_poisson: fire immediately instead of waiting
}

// NewFount constructs a Fount with the given mean inter-arrival duration.
// If manual is true, C returns a timer channel that fires at once, so the
// caller fires immediately on every iteration (the disable_main_poisson
// debug knob). The cover-traffic lane's disable_loop_cover knob has no use
// for this: turning it off means emitting nothing, not flooding, so the
// cover-traffic stream skips constructing a Fount at all in that case
// rather than passing manual=true here.
func NewFount(rng *rand.Rand, mean time.Duration, manual bool) *Fount {
	f := &Fount{rng: rng, mean: mean, manual: manual}
	f.timer = time.NewTimer(f.nextInterval())
	return f
}

func (f *Fount) nextInterval() time.Duration {
	if f.manual {
		return 0
	}
	d := Sample(f.rng, f.mean)
	if d <= 0 {
		// Guard against a zero-duration timer spinning the scheduler; an
		// Exp(1/mean) sample is astronomically unlikely to be exactly
		// zero, but float rounding can produce it for very small means.
		d = time.Nanosecond
	}
	return d
}

// C returns the channel that fires on each tick. Callers must call
// Reset after each fire to schedule the next one.
func (f *Fount) C() <-chan time.Time {
	return f.timer.C
}

// Reset schedules the next tick.
func (f *Fount) Reset() {
	f.timer.Reset(f.nextInterval())
}

// Stop releases the underlying timer's resources.
func (f *Fount) Stop() {
	f.timer.Stop()
}
