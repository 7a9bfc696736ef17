// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/sirupsen/logrus"
)

// proofFor returns the proof value of the specified hierarchy, or nil if h is
// not a hierarchy.
func (t *TPM) proofFor(h Handle) []byte {
	switch h {
	case HandlePlatform:
		return t.gp.PHProof
	case HandleOwner:
		return t.gp.SHProof
	case HandleEndorsement:
		return t.gp.EHProof
	case HandleNull:
		return t.gr.NullProof
	}
	return nil
}

// seedFor returns the primary seed of the specified hierarchy, or nil if h is
// not a hierarchy.
func (t *TPM) seedFor(h Handle) []byte {
	switch h {
	case HandlePlatform:
		return t.gp.PPSeed
	case HandleOwner:
		return t.gp.SPSeed
	case HandleEndorsement:
		return t.gp.EPSeed
	case HandleNull:
		return t.gr.NullSeed
	}
	return nil
}

// checkHierarchy returns ErrorHierarchy if h is a disabled hierarchy.
func (t *TPM) checkHierarchy(h Handle) error {
	switch h {
	case HandleOwner:
		if !t.gc.SHEnable {
			return errCode(ErrorHierarchy)
		}
	case HandleEndorsement:
		if !t.gc.EHEnable {
			return errCode(ErrorHierarchy)
		}
	case HandlePlatform:
		if !t.phEnable {
			return errCode(ErrorHierarchy)
		}
	case HandleNull:
	default:
		return errCode(ErrorValue)
	}
	return nil
}

// flushHierarchy removes every loaded object that belongs to the specified
// hierarchy.
func (t *TPM) flushHierarchy(h Handle) {
	for i, obj := range t.objects {
		if obj != nil && obj.Hierarchy == h {
			t.objects[i] = nil
		}
	}
}

// HierarchyChangeAuth corresponds to the TPM2_HierarchyChangeAuth command.
func (t *TPM) HierarchyChangeAuth(authHandle Handle, newAuth Auth, session *AuthCommand) error {
	return t.run(CommandHierarchyChangeAuth, func() error {
		switch authHandle {
		case HandleOwner, HandleEndorsement, HandlePlatform, HandleLockout:
		default:
			return errHandle(ErrorValue, 1)
		}
		if authHandle != HandleLockout {
			if err := t.checkHierarchy(authHandle); err != nil {
				return asHandle(err, 1)
			}
		}

		cmd := &command{
			code:    CommandHierarchyChangeAuth,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{newAuth}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		newAuth = trimTrailingZeros(newAuth)
		if len(newAuth) > contextIntegrityAlg.Size() {
			return errParam(ErrorSize, 1)
		}
		newAuth = append(Auth(nil), newAuth...)

		if authHandle == HandlePlatform {
			t.gc.PlatformAuth = newAuth
		} else {
			if err := t.nvCheck(); err != nil {
				return err
			}
			switch authHandle {
			case HandleOwner:
				t.gp.OwnerAuth = newAuth
			case HandleEndorsement:
				t.gp.EndorsementAuth = newAuth
			case HandleLockout:
				t.gp.LockoutAuth = newAuth
			}
			if err := t.writePersistent(); err != nil {
				return err
			}
		}

		t.log.WithField("hierarchy", authHandle).Info("hierarchy authorization changed")
		t.completeAuth(cmd)
		return nil
	})
}

// SetPrimaryPolicy corresponds to the TPM2_SetPrimaryPolicy command.
func (t *TPM) SetPrimaryPolicy(authHandle Handle, authPolicy Digest, hashAlg HashAlgorithmId, session *AuthCommand) error {
	return t.run(CommandSetPrimaryPolicy, func() error {
		switch authHandle {
		case HandleOwner, HandleEndorsement, HandlePlatform, HandleLockout:
		default:
			return errHandle(ErrorValue, 1)
		}
		if authHandle != HandleLockout {
			if err := t.checkHierarchy(authHandle); err != nil {
				return asHandle(err, 1)
			}
		}

		cmd := &command{
			code:    CommandSetPrimaryPolicy,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{authPolicy, hashAlg}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		switch {
		case hashAlg == HashAlgorithmNull:
			if len(authPolicy) != 0 {
				return errParam(ErrorSize, 1)
			}
		case !hashAlg.IsValid():
			return errParam(ErrorHash, 2)
		case len(authPolicy) != hashAlg.Size():
			return errParam(ErrorSize, 1)
		}
		authPolicy = append(Digest(nil), authPolicy...)

		if authHandle == HandlePlatform {
			t.gc.PlatformAlg = hashAlg
			t.gc.PlatformPolicy = authPolicy
		} else {
			if err := t.nvCheck(); err != nil {
				return err
			}
			switch authHandle {
			case HandleOwner:
				t.gp.OwnerAlg = hashAlg
				t.gp.OwnerPolicy = authPolicy
			case HandleEndorsement:
				t.gp.EndorsementAlg = hashAlg
				t.gp.EndorsementPolicy = authPolicy
			case HandleLockout:
				t.gp.LockoutAlg = hashAlg
				t.gp.LockoutPolicy = authPolicy
			}
			if err := t.writePersistent(); err != nil {
				return err
			}
		}

		t.log.WithField("hierarchy", authHandle).Info("hierarchy policy changed")
		t.completeAuth(cmd)
		return nil
	})
}

// HierarchyControl corresponds to the TPM2_HierarchyControl command. Only the
// platform hierarchy can enable a hierarchy. The owner and endorsement
// hierarchies can only disable themselves.
func (t *TPM) HierarchyControl(authHandle, enable Handle, state bool, session *AuthCommand) error {
	return t.run(CommandHierarchyControl, func() error {
		switch authHandle {
		case HandleOwner, HandleEndorsement, HandlePlatform:
		default:
			return errHandle(ErrorValue, 1)
		}
		if err := t.checkHierarchy(authHandle); err != nil {
			return asHandle(err, 1)
		}

		cmd := &command{
			code:    CommandHierarchyControl,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{enable, state}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		switch enable {
		case HandleOwner, HandleEndorsement, HandlePlatform, HandlePlatformNV:
		default:
			return errParam(ErrorValue, 1)
		}
		if authHandle != HandlePlatform && (state || enable != authHandle) {
			return errCode(ErrorAuthType)
		}

		switch enable {
		case HandleOwner:
			t.gc.SHEnable = state
		case HandleEndorsement:
			t.gc.EHEnable = state
		case HandlePlatform:
			t.phEnable = state
		case HandlePlatformNV:
			t.gc.PHEnableNV = state
		}
		if !state && enable != HandlePlatformNV {
			t.flushHierarchy(enable)
		}

		t.log.WithFields(logrus.Fields{
			"hierarchy": enable,
			"enabled":   state}).Info("hierarchy state changed")
		t.completeAuth(cmd)
		return nil
	})
}

// Clear corresponds to the TPM2_Clear command. It regenerates the storage and
// endorsement proofs and seeds, resets their authorization values and
// policies and removes every NV index created by the owner.
func (t *TPM) Clear(authHandle Handle, session *AuthCommand) error {
	return t.run(CommandClear, func() error {
		switch authHandle {
		case HandleLockout:
		case HandlePlatform:
			if err := t.checkHierarchy(authHandle); err != nil {
				return asHandle(err, 1)
			}
		default:
			return errHandle(ErrorValue, 1)
		}

		cmd := &command{
			code:    CommandClear,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if t.gp.DisableClear {
			return errCode(ErrorDisabled)
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		indices, err := t.nvIndices()
		if err != nil {
			return err
		}
		for _, idx := range indices {
			if idx.Public.Attrs&AttrNVPlatformCreate != 0 {
				continue
			}
			if err := t.store.DeleteReserved(nvKey(idx.Public.Index)); err != nil {
				return fatal("cannot delete NV index: %w", err)
			}
		}

		t.gp.SPSeed = t.random(primarySeedSize)
		t.gp.SHProof = t.random(proofSize)
		t.gp.EHProof = t.random(proofSize)
		t.gp.OwnerAuth = nil
		t.gp.EndorsementAuth = nil
		t.gp.LockoutAuth = nil
		t.gp.OwnerAlg = HashAlgorithmNull
		t.gp.OwnerPolicy = nil
		t.gp.EndorsementAlg = HashAlgorithmNull
		t.gp.EndorsementPolicy = nil
		t.gp.LockoutAlg = HashAlgorithmNull
		t.gp.LockoutPolicy = nil
		t.gc.SHEnable = true
		t.gc.EHEnable = true
		t.gp.ResetCount = 0
		t.gr.RestartCount = 0

		t.flushHierarchy(HandleOwner)
		t.flushHierarchy(HandleEndorsement)

		if err := t.writePersistent(); err != nil {
			return err
		}

		t.orderly.Clock = 0
		t.orderly.ClockSafe = true
		if err := t.writeRecord(keyOrderly, &t.orderly); err != nil {
			return err
		}

		t.log.WithField("hierarchy", HandleOwner).Info("hierarchy cleared")
		t.completeAuth(cmd)
		return nil
	})
}

// ClearControl corresponds to the TPM2_ClearControl command. The lockout
// hierarchy can only disable Clear.
func (t *TPM) ClearControl(authHandle Handle, disable bool, session *AuthCommand) error {
	return t.run(CommandClearControl, func() error {
		switch authHandle {
		case HandleLockout:
		case HandlePlatform:
			if err := t.checkHierarchy(authHandle); err != nil {
				return asHandle(err, 1)
			}
		default:
			return errHandle(ErrorValue, 1)
		}

		cmd := &command{
			code:    CommandClearControl,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{disable}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if authHandle == HandleLockout && !disable {
			return errCode(ErrorAuthFail)
		}
		if err := t.nvCheck(); err != nil {
			return err
		}
		t.gp.DisableClear = disable
		if err := t.writePersistent(); err != nil {
			return err
		}
		t.completeAuth(cmd)
		return nil
	})
}

// ChangePPS corresponds to the TPM2_ChangePPS command.
func (t *TPM) ChangePPS(session *AuthCommand) error {
	return t.run(CommandChangePPS, func() error {
		if err := t.checkHierarchy(HandlePlatform); err != nil {
			return asHandle(err, 1)
		}
		cmd := &command{
			code:    CommandChangePPS,
			handles: []Handle{HandlePlatform},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		t.gp.PPSeed = t.random(primarySeedSize)
		t.gp.PHProof = t.random(proofSize)
		t.gc.PlatformAlg = HashAlgorithmNull
		t.gc.PlatformPolicy = nil
		t.flushHierarchy(HandlePlatform)
		if err := t.writePersistent(); err != nil {
			return err
		}

		t.log.WithField("hierarchy", HandlePlatform).Info("primary seed changed")
		t.completeAuth(cmd)
		return nil
	})
}

// ChangeEPS corresponds to the TPM2_ChangeEPS command.
func (t *TPM) ChangeEPS(session *AuthCommand) error {
	return t.run(CommandChangeEPS, func() error {
		if err := t.checkHierarchy(HandlePlatform); err != nil {
			return asHandle(err, 1)
		}
		cmd := &command{
			code:    CommandChangeEPS,
			handles: []Handle{HandlePlatform},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		t.gp.EPSeed = t.random(primarySeedSize)
		t.gp.EHProof = t.random(proofSize)
		t.gp.EndorsementAuth = nil
		t.gp.EndorsementAlg = HashAlgorithmNull
		t.gp.EndorsementPolicy = nil
		t.flushHierarchy(HandleEndorsement)
		if err := t.writePersistent(); err != nil {
			return err
		}

		t.log.WithField("hierarchy", HandleEndorsement).Info("primary seed changed")
		t.completeAuth(cmd)
		return nil
	})
}
