// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm"
)

const metricsNamespace = "swtpm"

// Command outcomes used as the value of the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeWarning = "warning"
	OutcomeFatal   = "fatal"
)

// Metrics contains the prometheus collectors updated by a Host.
type Metrics struct {
	Commands    *prometheus.CounterVec
	Retries     prometheus.Counter
	FailedTries prometheus.Gauge
	FailureMode prometheus.Gauge
}

// NewMetrics creates the collectors for a Host and registers them with reg,
// if it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Number of requests executed, by outcome.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Number of requests retried because NV storage was unavailable.",
		}),
		FailedTries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "da_failed_tries",
			Help:      "Current dictionary attack failure count.",
		}),
		FailureMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "failure_mode",
			Help:      "1 if the TPM is in failure mode.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Commands, m.Retries, m.FailedTries, m.FailureMode} {
		if err := reg.Register(c); err != nil {
			return nil, xerrors.Errorf("cannot register collector: %w", err)
		}
	}
	return m, nil
}

func outcomeOf(err error) string {
	var w *swtpm.TPMWarning
	switch {
	case err == nil:
		return OutcomeSuccess
	case swtpm.IsFatalError(err):
		return OutcomeFatal
	case xerrors.As(err, &w):
		return OutcomeWarning
	default:
		return OutcomeError
	}
}

func (m *Metrics) observe(tpm *swtpm.TPM, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(outcomeOf(err)).Inc()
	m.update(tpm)
}

func (m *Metrics) update(tpm *swtpm.TPM) {
	if m == nil {
		return
	}
	m.FailedTries.Set(float64(tpm.DAInfo().FailedTries))
	if tpm.InFailureMode() {
		m.FailureMode.Set(1)
	} else {
		m.FailureMode.Set(0)
	}
}
