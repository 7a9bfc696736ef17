// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package host runs a swtpm.TPM on a dedicated goroutine.

A TPM isn't safe for concurrent use. A Host owns one, executes requests from
any number of goroutines one at a time, and advances the TPM clock at a fixed
interval. Requests that fail because NV storage is temporarily unavailable
are retried.
*/
package host

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/go-swtpm"
)

// Clock provides the monotonic time that drives the TPM clock.
type Clock = swtpm.TimeSource

// ErrClosed is returned from Do once the host has been closed.
var ErrClosed = errors.New("host is closed")

// Options customizes a Host.
type Options struct {
	// TickInterval is how often the TPM clock is advanced. The default is
	// 100ms.
	TickInterval time.Duration

	// MaxRetries is the maximum number of times a request is retried when
	// NV storage is unavailable or rate limited. A request is always
	// executed once. The default is 3.
	MaxRetries uint64

	// RetryInterval is the constant delay between retries. The default is
	// 500ms.
	RetryInterval time.Duration

	// Metrics receives metrics for executed requests. It may be nil.
	Metrics *Metrics

	// Logger is used for logging. The default discards everything.
	Logger logrus.FieldLogger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.TickInterval == 0 {
		out.TickInterval = 100 * time.Millisecond
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryInterval == 0 {
		out.RetryInterval = 500 * time.Millisecond
	}
	if out.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		out.Logger = l
	}
	return out
}

type request struct {
	ctx    context.Context
	fn     func(*swtpm.TPM) error
	result chan error
}

// Host serializes access to a TPM.
type Host struct {
	tomb tomb.Tomb
	opts Options
	tpm  *swtpm.TPM
	reqs chan *request
}

// New starts a Host for tpm. The TPM must not be used directly afterwards.
// The host should be stopped with Close.
func New(tpm *swtpm.TPM, opts *Options) *Host {
	h := &Host{
		opts: opts.withDefaults(),
		tpm:  tpm,
		reqs: make(chan *request)}
	h.opts.Metrics.update(tpm)
	h.tomb.Go(h.loop)
	return h
}

func isRetryable(err error) bool {
	return swtpm.IsTPMWarning(err, swtpm.WarningNVUnavailable, swtpm.AnyCommandCode) ||
		swtpm.IsTPMWarning(err, swtpm.WarningNVRate, swtpm.AnyCommandCode) ||
		swtpm.IsTPMWarning(err, swtpm.WarningRetry, swtpm.AnyCommandCode)
}

func (h *Host) execute(req *request) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(h.opts.RetryInterval)
	b = backoff.WithMaxRetries(b, h.opts.MaxRetries)
	b = backoff.WithContext(b, h.tomb.Context(req.ctx))

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := req.fn(h.tpm)
		h.opts.Metrics.observe(h.tpm, err)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		if m := h.opts.Metrics; m != nil {
			m.Retries.Inc()
		}
		h.opts.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   d,
			"error":   err}).Debug("retrying request")
		// Keep the clock moving whilst waiting.
		h.tick()
	})
}

func (h *Host) tick() {
	if err := h.tpm.Tick(); err != nil {
		h.opts.Logger.WithError(err).Warn("cannot advance TPM clock")
	}
	h.opts.Metrics.update(h.tpm)
}

func (h *Host) loop() error {
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.tomb.Dying():
			return tomb.ErrDying
		case <-ticker.C:
			h.tick()
		case req := <-h.reqs:
			h.tick()
			req.result <- h.execute(req)
		}
	}
}

// Do executes fn with exclusive access to the TPM and returns its error. If
// fn fails because NV storage is unavailable or rate limited, it is executed
// again after a delay, up to the configured number of retries. fn must not
// retain the TPM after it returns.
func (h *Host) Do(ctx context.Context, fn func(tpm *swtpm.TPM) error) error {
	req := &request{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case h.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.tomb.Dying():
		return ErrClosed
	}
	return <-req.result
}

// Close stops the host and waits for the current request to complete.
func (h *Host) Close() error {
	h.tomb.Kill(nil)
	if err := h.tomb.Wait(); err != nil && !xerrors.Is(err, tomb.ErrDying) {
		return err
	}
	return nil
}
