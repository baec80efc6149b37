// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"time"
)

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// pacer holds the dispatcher back until the recorded time of the next record,
// scaled by the speed factor, has elapsed since the worker started.
type pacer struct {
	clock       Clock
	start       time.Time
	speedFactor float64
	unthrottled bool
}

func newPacer(clock Clock, speedFactor float64, unthrottled bool) *pacer {
	if nil == clock {
		clock = wallClock{}
	}
	if 0 == speedFactor {
		speedFactor = 1
	}
	return &pacer{
		clock:       clock,
		start:       clock.Now(),
		speedFactor: speedFactor,
		unthrottled: unthrottled,
	}
}

func (p *pacer) elapsed() time.Duration {
	return p.clock.Now().Sub(p.start)
}

// schedule returns how far the wall clock is ahead (positive) or behind
// (negative) the record stamped recordedMs.
func (p *pacer) schedule(recordedMs int64) time.Duration {
	target := time.Duration(float64(recordedMs) / p.speedFactor * float64(time.Millisecond))
	return target - p.elapsed()
}

// wait sleeps, at millisecond granularity, until the record stamped
// recordedMs is due and returns the schedule measured before sleeping.
func (p *pacer) wait(recordedMs int64) (ahead time.Duration) {
	ahead = p.schedule(recordedMs)
	if p.unthrottled {
		return
	}
	if sleep := ahead.Truncate(time.Millisecond); 0 < sleep {
		p.clock.Sleep(sleep)
	}
	return
}
