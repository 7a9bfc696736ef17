// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"sync"
	"time"
)

// TimeSource provides a monotonic time that drives the TPM's time and clock.
// The returned value must never decrease.
type TimeSource interface {
	Now() time.Duration
}

type systemTimeSource struct {
	start time.Time
}

func (s *systemTimeSource) Now() time.Duration {
	return time.Since(s.start)
}

// NewSystemTimeSource returns a TimeSource that uses the monotonic system
// clock of this process.
func NewSystemTimeSource() TimeSource {
	return &systemTimeSource{start: time.Now()}
}

// ManualTimeSource is a TimeSource that only advances when Advance is called.
type ManualTimeSource struct {
	mu  sync.Mutex
	now time.Duration
}

func (s *ManualTimeSource) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the time forward by d.
func (s *ManualTimeSource) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now += d
	}
}

// Tick updates the TPM's time and clock from its TimeSource. The clock is
// written back to the store each time it crosses an update boundary and the
// store is available. Once started, each tick also runs DA self-healing.
func (t *TPM) Tick() error {
	if t.failure != nil {
		return t.failure
	}

	now := t.timeSource.Now()
	if now <= t.lastTick {
		return nil
	}
	delta := uint64((now - t.lastTick) / time.Millisecond)
	t.lastTick += time.Duration(delta) * time.Millisecond

	t.time += delta
	prev := t.orderly.Clock
	t.orderly.Clock += delta

	if prev>>clockUpdateInterval != t.orderly.Clock>>clockUpdateInterval && t.store.Status() == NVAvailable {
		if err := t.writeRecord(keyOrderly, &t.orderly); err != nil {
			return t.finish(0, err)
		}
	}

	if t.started {
		if err := t.daSelfHeal(); err != nil {
			return t.finish(0, err)
		}
	}
	return nil
}

// ReadClock returns the current time and clock values.
func (t *TPM) ReadClock() (info *TimeInfo, err error) {
	err = t.run(CommandReadClock, func() error {
		ti := t.timeInfo()
		info = &ti
		return nil
	})
	return info, err
}

func (t *TPM) timeInfo() TimeInfo {
	return TimeInfo{
		Time: t.time,
		ClockInfo: ClockInfo{
			Clock:        t.orderly.Clock,
			ResetCount:   t.gp.ResetCount,
			RestartCount: t.gr.RestartCount,
			Safe:         t.orderly.ClockSafe}}
}

// clockAvailable indicates whether the clock can be relied on for policy
// expiration checks. This has the same availability as the store.
func (t *TPM) clockAvailable() error {
	return t.nvCheck()
}
