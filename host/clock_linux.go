// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package host

import (
	"time"

	"golang.org/x/sys/unix"
)

// bootClock reads CLOCK_BOOTTIME, which continues to advance whilst the
// system is suspended.
type bootClock struct {
	start time.Duration
}

func bootTime() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		panic(err)
	}
	return time.Duration(ts.Nano())
}

// NewBootClock returns a Clock that measures the time elapsed since it was
// created using the boot time clock, which includes time spent in suspend.
func NewBootClock() Clock {
	return &bootClock{start: bootTime()}
}

func (c *bootClock) Now() time.Duration {
	return bootTime() - c.start
}
