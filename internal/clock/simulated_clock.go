// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clock

import (
	"sync"
	"time"
)

// wakeup is a pending After call on a SimulatedClock.
type wakeup struct {
	target time.Time
	ch     chan time.Time
}

// A SimulatedClock only moves when told to. Pending After calls fire when
// AdvanceTime or SetTime reaches their target.
type SimulatedClock struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	t time.Time

	// GUARDED_BY(mu)
	pending []*wakeup
}

var _ Clock = &SimulatedClock{}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{t: start}
}

func (sc *SimulatedClock) Now() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.t
}

func (sc *SimulatedClock) After(d time.Duration) <-chan time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ch := make(chan time.Time, 1)
	target := sc.t.Add(d)

	// Non-positive durations fire immediately, as with time.After.
	if !target.After(sc.t) {
		ch <- sc.t
		return ch
	}

	sc.pending = append(sc.pending, &wakeup{target: target, ch: ch})
	return ch
}

// SetTime moves the clock to t and fires any wakeups due by then.
func (sc *SimulatedClock) SetTime(t time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.t = t
	sc.firePending()
}

// AdvanceTime moves the clock forward by d and fires any wakeups due by
// then.
func (sc *SimulatedClock) AdvanceTime(d time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.t = sc.t.Add(d)
	sc.firePending()
}

// LOCKS_REQUIRED(sc.mu)
func (sc *SimulatedClock) firePending() {
	var still []*wakeup
	for _, w := range sc.pending {
		if !sc.t.Before(w.target) {
			w.ch <- w.target
		} else {
			still = append(still, w)
		}
	}
	sc.pending = still
}
