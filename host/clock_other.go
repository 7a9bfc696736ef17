// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

//go:build !linux

package host

import (
	"github.com/canonical/go-swtpm"
)

// NewBootClock returns a Clock that measures the time elapsed since it was
// created. On this platform it uses the monotonic clock of the process.
func NewBootClock() Clock {
	return swtpm.NewSystemTimeSource()
}
