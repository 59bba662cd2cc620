// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor tracks per-device connection health: consecutive
// failure counts and the exponential backoff that gates reconnect
// attempts after a device goes unreachable.
package supervisor

import (
	"sync"
	"time"
)

// Defaults per spec §4.8.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 60 * time.Second
	maxBackoffShift    = 32
)

// Supervisor holds the mutable per-device state the Tick Scheduler
// consults before dispatching a device's work unit each tick.
type Supervisor struct {
	mu           sync.Mutex
	backoffBase  time.Duration
	backoffMax   time.Duration
	devices      map[int64]*deviceState
}

type deviceState struct {
	failures      int
	disabledUntil time.Time
}

// New constructs a Supervisor with the given backoff budgets. A zero or
// negative value falls back to the package default.
func New(backoffBase, backoffMax time.Duration) *Supervisor {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if backoffMax <= 0 {
		backoffMax = DefaultBackoffMax
	}
	return &Supervisor{
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		devices:     make(map[int64]*deviceState),
	}
}

// Allowed reports whether deviceID may be dispatched this tick: false
// while now is still within that device's backoff window.
func (s *Supervisor) Allowed(deviceID int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.devices[deviceID]
	if !ok {
		return true
	}
	return !now.Before(st.disabledUntil)
}

// RecordConnectFailure increments deviceID's failure count and arms the
// next backoff window starting at now.
func (s *Supervisor) RecordConnectFailure(deviceID int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(deviceID)
	st.failures++
	shift := st.failures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	backoff := s.backoffBase * time.Duration(1<<uint(shift-1))
	if backoff > s.backoffMax || backoff <= 0 {
		backoff = s.backoffMax
	}
	st.disabledUntil = now.Add(backoff)
}

// RecordConnectSuccess resets deviceID's failure count.
func (s *Supervisor) RecordConnectSuccess(deviceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(deviceID)
	st.failures = 0
	st.disabledUntil = time.Time{}
}

// Failures returns deviceID's current consecutive-failure count.
func (s *Supervisor) Failures(deviceID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(deviceID).failures
}

func (s *Supervisor) stateFor(deviceID int64) *deviceState {
	st, ok := s.devices[deviceID]
	if !ok {
		st = &deviceState{}
		s.devices[deviceID] = st
	}
	return st
}
