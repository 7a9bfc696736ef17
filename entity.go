// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

// entityGetLoadStatus checks that h refers to an entity that exists and can be
// used. Errors are returned without a handle index.
func (t *TPM) entityGetLoadStatus(h Handle) error {
	switch h.Kind() {
	case KindPermanent:
		switch h {
		case HandleOwner, HandleEndorsement, HandlePlatform:
			return t.checkHierarchy(h)
		case HandleLockout, HandleNull:
			return nil
		}
		return errCode(ErrorValue)
	case KindTransient:
		obj := t.objectGet(h)
		if obj == nil {
			return warn(WarningReferenceH0)
		}
		if obj.Hierarchy != HandleNull {
			if err := t.checkHierarchy(obj.Hierarchy); err != nil {
				return err
			}
		}
		return nil
	case KindNVIndex:
		_, err := t.nvGetAccessible(h)
		return err
	case KindPCR:
		if !isPCRHandle(h) {
			return errCode(ErrorValue)
		}
		return nil
	case KindPersistent, KindHMACSession, KindPolicySession, KindInvalid:
		return errCode(ErrorHandle)
	}
	panic("unhandled handle kind")
}

// entityGetAuthValue returns the authorization value of the entity. It must
// only be called after entityGetLoadStatus has succeeded.
func (t *TPM) entityGetAuthValue(h Handle) Auth {
	switch h.Kind() {
	case KindPermanent:
		switch h {
		case HandleOwner:
			return t.gp.OwnerAuth
		case HandleEndorsement:
			return t.gp.EndorsementAuth
		case HandlePlatform:
			return t.gc.PlatformAuth
		case HandleLockout:
			return t.gp.LockoutAuth
		}
		return nil
	case KindTransient:
		if obj := t.objectGet(h); obj != nil {
			return obj.Sensitive.AuthValue
		}
		return nil
	case KindNVIndex:
		if idx, err := t.nvGet(h); err == nil {
			return idx.AuthValue
		}
		return nil
	case KindPCR, KindPersistent, KindHMACSession, KindPolicySession, KindInvalid:
		return nil
	}
	panic("unhandled handle kind")
}

// entityGetAuthPolicy returns the authorization policy of the entity and the
// digest algorithm used to compute it. An entity without a policy has the
// algorithm HashAlgorithmNull.
func (t *TPM) entityGetAuthPolicy(h Handle) (Digest, HashAlgorithmId) {
	switch h.Kind() {
	case KindPermanent:
		switch h {
		case HandleOwner:
			return t.gp.OwnerPolicy, t.gp.OwnerAlg
		case HandleEndorsement:
			return t.gp.EndorsementPolicy, t.gp.EndorsementAlg
		case HandlePlatform:
			return t.gc.PlatformPolicy, t.gc.PlatformAlg
		case HandleLockout:
			return t.gp.LockoutPolicy, t.gp.LockoutAlg
		}
	case KindTransient:
		if obj := t.objectGet(h); obj != nil && !obj.isSequence() {
			return obj.Public.AuthPolicy, obj.Public.NameAlg
		}
	case KindNVIndex:
		if idx, err := t.nvGet(h); err == nil {
			return idx.Public.AuthPolicy, idx.Public.NameAlg
		}
	case KindPCR, KindPersistent, KindHMACSession, KindPolicySession, KindInvalid:
	default:
		panic("unhandled handle kind")
	}
	return nil, HashAlgorithmNull
}

// entityGetName returns the name of the entity.
func (t *TPM) entityGetName(h Handle) Name {
	switch h.Kind() {
	case KindTransient:
		if obj := t.objectGet(h); obj != nil {
			return obj.name
		}
	case KindNVIndex:
		if idx, err := t.nvGet(h); err == nil {
			return idx.name()
		}
	case KindPermanent, KindPCR, KindPersistent, KindHMACSession, KindPolicySession, KindInvalid:
	default:
		panic("unhandled handle kind")
	}
	return handleName(h)
}

// entityGetHierarchy returns the hierarchy that the entity belongs to.
func (t *TPM) entityGetHierarchy(h Handle) Handle {
	switch h.Kind() {
	case KindPermanent:
		switch h {
		case HandlePlatform, HandleEndorsement, HandleNull:
			return h
		}
		return HandleOwner
	case KindTransient:
		if obj := t.objectGet(h); obj != nil {
			return obj.Hierarchy
		}
		return HandleNull
	case KindNVIndex:
		if idx, err := t.nvGet(h); err == nil && idx.Public.Attrs&AttrNVPlatformCreate != 0 {
			return HandlePlatform
		}
		return HandleOwner
	case KindPCR:
		return HandleOwner
	case KindPersistent, KindHMACSession, KindPolicySession, KindInvalid:
		return HandleNull
	}
	panic("unhandled handle kind")
}
