// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/sirupsen/logrus"
)

// daIsExempt indicates whether authorization failures for the specified
// entity are exempt from dictionary attack protection.
func (t *TPM) daIsExempt(h Handle) bool {
	switch h.Kind() {
	case KindPermanent:
		return h != HandleLockout
	case KindTransient:
		obj := t.objectGet(h)
		return obj != nil && obj.Public.Attrs&AttrNoDA != 0
	case KindNVIndex:
		idx, err := t.nvGet(h)
		return err == nil && idx.Public.Attrs&AttrNVNoDA != 0
	case KindPCR:
		return true
	}
	return false
}

// daWrite records the DA state, or marks it as pending if the store isn't
// available.
func (t *TPM) daWrite() error {
	if t.nvCheck() != nil {
		t.daPending = true
		return nil
	}
	t.daPending = false
	return t.writePersistent()
}

// daFlush writes any DA state that couldn't be written earlier.
func (t *TPM) daFlush() error {
	if !t.daPending {
		return nil
	}
	if err := t.nvCheck(); err != nil {
		return err
	}
	return t.daWrite()
}

// isLockedOut indicates whether DA protected entities can't be authorized
// with their authValue.
func (t *TPM) isLockedOut() bool {
	return t.gp.FailedTries >= t.gp.MaxTries
}

// checkLockedOut returns a warning if authorization of a DA protected entity
// is not currently permitted. lockoutAuth indicates that the entity being
// authorized is the lockout hierarchy.
func (t *TPM) checkLockedOut(lockoutAuth bool) error {
	nvErr := t.nvCheck()
	if nvErr != nil && t.gp.OrderlyState != shutdownNone {
		return nvErr
	}
	if t.daPending {
		if nvErr != nil {
			return nvErr
		}
		if err := t.daFlush(); err != nil {
			return err
		}
	}

	if lockoutAuth {
		if !t.gp.LockoutAuthEnabled {
			return warn(WarningLockout)
		}
	} else if t.isLockedOut() {
		return warn(WarningLockout)
	}
	return nil
}

// incrementLockout is called after an authorization failure with an
// authValue. It returns ErrorAuthFail if the failure counts towards DA
// lockout, or ErrorBadAuth if the entity is exempt.
func (t *TPM) incrementLockout(h Handle, s *session) error {
	switch {
	case s == nil:
		if t.daIsExempt(h) {
			return errCode(ErrorBadAuth)
		}
	default:
		if s.IsLockoutBound {
			h = HandleLockout
		}
		if !s.IsDABound && t.daIsExempt(h) {
			return errCode(ErrorBadAuth)
		}
	}

	if h == HandleLockout {
		t.gp.LockoutAuthEnabled = false
		t.log.Warn("lockout hierarchy authorization disabled")
		if t.gp.LockoutRecovery != 0 {
			if err := t.daWrite(); err != nil {
				return err
			}
		}
	} else if t.gp.RecoveryTime != 0 {
		t.gp.FailedTries++
		if t.gp.FailedTries == t.gp.MaxTries {
			t.log.WithField("failed-tries", t.gp.FailedTries).Warn("TPM is in DA lockout mode")
		}
		if err := t.daWrite(); err != nil {
			return err
		}
	}

	t.daRegisterFailure(h)
	return errCode(ErrorAuthFail)
}

// daRegisterFailure restarts the self-healing interval that applies to the
// entity that failed authorization.
func (t *TPM) daRegisterFailure(h Handle) {
	if h == HandleLockout {
		t.lockoutTimer = t.time
	} else {
		t.selfHealTimer = t.time
	}
}

// daSelfHeal decrements the failure count for each recoveryTime interval that
// has elapsed, and re-enables lockout authorization once lockoutRecovery has
// elapsed.
func (t *TPM) daSelfHeal() error {
	changed := false

	if t.gp.FailedTries != 0 {
		if t.gp.RecoveryTime == 0 {
			t.gp.FailedTries = 0
			changed = true
		} else {
			decrement := uint32((t.time - t.selfHealTimer) / 1000 / uint64(t.gp.RecoveryTime))
			if decrement != 0 {
				lockedOut := t.isLockedOut()
				if t.gp.FailedTries <= decrement {
					t.gp.FailedTries = 0
				} else {
					t.gp.FailedTries -= decrement
				}
				t.selfHealTimer += uint64(decrement) * uint64(t.gp.RecoveryTime) * 1000
				changed = true
				if lockedOut && !t.isLockedOut() {
					t.log.WithField("failed-tries", t.gp.FailedTries).Info("TPM left DA lockout mode")
				}
			}
		}
	}

	if !t.gp.LockoutAuthEnabled && t.gp.LockoutRecovery != 0 &&
		(t.time-t.lockoutTimer)/1000 >= uint64(t.gp.LockoutRecovery) {
		t.gp.LockoutAuthEnabled = true
		changed = true
		t.log.Info("lockout hierarchy authorization re-enabled")
	}

	if !changed {
		return nil
	}
	return t.daWrite()
}

// daStartup initializes the DA state after Startup. The caller writes the
// persistent state.
func (t *TPM) daStartup(kind startupKind, orderly bool) {
	if kind == startupReset && t.gp.LockoutRecovery == 0 {
		t.gp.LockoutAuthEnabled = true
	}
	if !orderly && t.gp.RecoveryTime != 0 && t.gp.FailedTries < t.gp.MaxTries {
		// An authorization failure may have been lost.
		t.gp.FailedTries++
	}
	t.daPending = false
	t.selfHealTimer = t.time
	t.lockoutTimer = t.time
}

// DictionaryAttackLockReset corresponds to the TPM2_DictionaryAttackLockReset
// command, and clears the failure count. It requires authorization with the
// lockout hierarchy.
func (t *TPM) DictionaryAttackLockReset(session *AuthCommand) error {
	return t.run(CommandDictionaryAttackLockReset, func() error {
		cmd := &command{
			code:    CommandDictionaryAttackLockReset,
			handles: []Handle{HandleLockout},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		t.gp.FailedTries = 0
		t.selfHealTimer = t.time
		if err := t.writePersistent(); err != nil {
			return err
		}
		t.daPending = false

		t.log.Info("DA failure count reset")
		t.completeAuth(cmd)
		return nil
	})
}

// DictionaryAttackParameters corresponds to the
// TPM2_DictionaryAttackParameters command. It requires authorization with the
// lockout hierarchy.
func (t *TPM) DictionaryAttackParameters(newMaxTries, newRecoveryTime, lockoutRecovery uint32, session *AuthCommand) error {
	return t.run(CommandDictionaryAttackParameters, func() error {
		cmd := &command{
			code:    CommandDictionaryAttackParameters,
			handles: []Handle{HandleLockout},
			roles:   []authRole{roleUser},
			params:  []interface{}{newMaxTries, newRecoveryTime, lockoutRecovery}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		t.gp.MaxTries = newMaxTries
		t.gp.RecoveryTime = newRecoveryTime
		t.gp.LockoutRecovery = lockoutRecovery
		if t.gp.FailedTries > t.gp.MaxTries {
			t.gp.FailedTries = t.gp.MaxTries
		}
		t.selfHealTimer = t.time
		t.lockoutTimer = t.time
		if err := t.writePersistent(); err != nil {
			return err
		}
		t.daPending = false

		t.log.WithFields(logrus.Fields{
			"max-tries":        newMaxTries,
			"recovery-time":    newRecoveryTime,
			"lockout-recovery": lockoutRecovery}).Info("DA parameters changed")
		t.completeAuth(cmd)
		return nil
	})
}

// DAInfo describes the current dictionary attack state.
type DAInfo struct {
	FailedTries        uint32
	MaxTries           uint32
	RecoveryTime       uint32
	LockoutRecovery    uint32
	LockoutAuthEnabled bool
	InLockout          bool
}

// DAInfo returns the current dictionary attack state. It corresponds to the
// TPM_PT_LOCKOUT_* and TPM_PT_MAX_AUTH_FAIL properties.
func (t *TPM) DAInfo() DAInfo {
	return DAInfo{
		FailedTries:        t.gp.FailedTries,
		MaxTries:           t.gp.MaxTries,
		RecoveryTime:       t.gp.RecoveryTime,
		LockoutRecovery:    t.gp.LockoutRecovery,
		LockoutAuthEnabled: t.gp.LockoutAuthEnabled,
		InLockout:          t.isLockedOut()}
}
