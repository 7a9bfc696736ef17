// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// DAConfig contains the dictionary attack parameters that are applied when
// the TPM is manufactured.
type DAConfig struct {
	MaxTries        uint32 `yaml:"max-tries"`
	RecoveryTime    uint32 `yaml:"recovery-time"`
	LockoutRecovery uint32 `yaml:"lockout-recovery"`
}

// Config contains the implementation parameters of a TPM.
type Config struct {
	MaxLoadedObjects  int      `yaml:"max-loaded-objects"`
	MaxLoadedSessions int      `yaml:"max-loaded-sessions"`
	MaxActiveSessions int      `yaml:"max-active-sessions"`
	ContextGapMax     int      `yaml:"context-gap-max"`
	DA                DAConfig `yaml:"da"`
	LogLevel          string   `yaml:"log-level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxLoadedObjects:  3,
		MaxLoadedSessions: 3,
		MaxActiveSessions: 64,
		ContextGapMax:     255,
		DA: DAConfig{
			MaxTries:        3,
			RecoveryTime:    1000,
			LockoutRecovery: 1000},
		LogLevel: "info"}
}

// LoadConfig reads a YAML configuration from r. Keys that are not present
// keep their default values. The returned configuration has been validated.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Errorf("cannot decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error
	if c.MaxLoadedObjects < 1 || c.MaxLoadedObjects > 0xff {
		errs = multierror.Append(errs, fmt.Errorf("max-loaded-objects must be between 1 and 255, got %d", c.MaxLoadedObjects))
	}
	if c.MaxLoadedSessions < 1 || c.MaxLoadedSessions > 0x7f {
		errs = multierror.Append(errs, fmt.Errorf("max-loaded-sessions must be between 1 and 127, got %d", c.MaxLoadedSessions))
	}
	if c.MaxActiveSessions < c.MaxLoadedSessions || c.MaxActiveSessions > 0xffff {
		errs = multierror.Append(errs, fmt.Errorf("max-active-sessions must be between max-loaded-sessions and 65535, got %d", c.MaxActiveSessions))
	}
	// Saved sessions are tracked with the low byte of their context ID.
	if c.ContextGapMax < 1 || c.ContextGapMax > 0xff {
		errs = multierror.Append(errs, fmt.Errorf("context-gap-max must be between 1 and 255, got %d", c.ContextGapMax))
	}
	if c.DA.MaxTries == 0 {
		errs = multierror.Append(errs, errors.New("da.max-tries must not be zero"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid log-level: %w", err))
	}
	return errs
}

func (c *Config) logLevel() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
