// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/sirupsen/logrus"
)

// contextSaved is set in a contextArray entry when the session is saved. The
// low byte of the entry then contains the low byte of the context ID. Loaded
// sessions are recorded as their slot index plus one.
const contextSaved uint16 = 0x100

// sessionData is the part of a session that is saved in a context blob.
type sessionData struct {
	Type       SessionType
	AuthHash   HashAlgorithmId
	SessionKey Digest
	NonceTPM   Nonce

	IsBound        bool
	BoundEntity    Name
	IsDABound      bool
	IsLockoutBound bool

	PolicyDigest      Digest
	IsTrial           bool
	StartTime         uint64
	Timeout           uint64
	CommandCode       CommandCode
	CpHash            Digest
	IsCpHashDefined   bool
	IsNameHashDefined bool
	CommandLocality   Locality
	PCRCounter        uint32
	IsPCRSet          bool
	IsPasswordNeeded  bool
	IsAuthValueNeeded bool
	IsPPRequired      bool
	CheckNVWritten    bool
	NVWrittenState    bool
}

type session struct {
	handle Handle
	sessionData
}

func (s *session) isPolicy() bool {
	return s.Type == SessionTypePolicy
}

// resetPolicy returns the policy state of the session to its initial value.
// The trial attribute is preserved.
func (s *session) resetPolicy(now uint64) {
	s.PolicyDigest = make(Digest, s.AuthHash.Size())
	s.StartTime = now
	s.Timeout = 0
	s.CommandCode = 0
	s.CpHash = nil
	s.IsCpHashDefined = false
	s.IsNameHashDefined = false
	s.CommandLocality = 0
	s.PCRCounter = 0
	s.IsPCRSet = false
	s.IsPasswordNeeded = false
	s.IsAuthValueNeeded = false
	s.IsPPRequired = false
	s.CheckNVWritten = false
	s.NVWrittenState = false
}

// sessionIndex returns the contextArray index for the specified session
// handle, or -1 if the handle is out of range.
func (t *TPM) sessionIndex(h Handle) int {
	if !h.Kind().IsSession() {
		return -1
	}
	i := int(h & 0xffffff)
	if i >= len(t.gr.ContextArray) {
		return -1
	}
	return i
}

// sessionGet returns the loaded session with the specified handle, or nil.
func (t *TPM) sessionGet(h Handle) *session {
	i := t.sessionIndex(h)
	if i < 0 {
		return nil
	}
	e := t.gr.ContextArray[i]
	if e == 0 || e&contextSaved != 0 {
		return nil
	}
	s := t.sessions[e-1]
	if s == nil || s.handle != h {
		return nil
	}
	return s
}

// sessionIsSaved indicates whether the specified session handle refers to a
// saved session context.
func (t *TPM) sessionIsSaved(h Handle) bool {
	i := t.sessionIndex(h)
	return i >= 0 && t.gr.ContextArray[i]&contextSaved != 0
}

func (t *TPM) freeSessionSlot() int {
	for i, s := range t.sessions {
		if s == nil {
			return i
		}
	}
	return -1
}

// sessionFlush removes a loaded session and frees its handle.
func (t *TPM) sessionFlush(h Handle) {
	i := t.sessionIndex(h)
	if i < 0 {
		return
	}
	if e := t.gr.ContextArray[i]; e != 0 && e&contextSaved == 0 {
		t.sessions[e-1] = nil
	}
	t.gr.ContextArray[i] = 0
}

// computeBoundEntity returns the value used to identify the entity that a
// session is bound to. This is the name of the entity with its authorization
// value XORed into the end, or just the handle for entities without a public
// area.
func (t *TPM) computeBoundEntity(h Handle) Name {
	name := append(Name(nil), t.entityGetName(h)...)
	if len(name) == 4 {
		return name
	}
	auth := trimTrailingZeros(t.entityGetAuthValue(h))
	for i := 1; i <= len(auth) && i <= len(name); i++ {
		name[len(name)-i] ^= auth[len(auth)-i]
	}
	return name
}

// StartAuthSession corresponds to the TPM2_StartAuthSession command without a
// salt or symmetric parameter encryption. The session key is derived from the
// authorization value of bind, which may be HandleNull.
func (t *TPM) StartAuthSession(bind Handle, nonceCaller Nonce, sessionType SessionType, authHash HashAlgorithmId) (handle Handle, nonceTPM Nonce, err error) {
	err = t.run(CommandStartAuthSession, func() error {
		if bind != HandleNull {
			if err := t.entityGetLoadStatus(bind); err != nil {
				return asHandle(err, 1)
			}
		}
		if len(nonceCaller) < 16 || (authHash.IsValid() && len(nonceCaller) > authHash.Size()) {
			return errParam(ErrorSize, 1)
		}
		var handleType HandleType
		switch sessionType {
		case SessionTypeHMAC:
			handleType = HandleTypeHMACSession
		case SessionTypePolicy, SessionTypeTrial:
			handleType = HandleTypePolicySession
		default:
			return errParam(ErrorValue, 2)
		}
		if !authHash.IsValid() {
			return errParam(ErrorHash, 3)
		}

		index := -1
		for i, e := range t.gr.ContextArray {
			if e == 0 {
				index = i
				break
			}
		}
		if index < 0 {
			return warn(WarningSessionHandles)
		}
		slot := t.freeSessionSlot()
		if slot < 0 {
			return warn(WarningSessionMemory)
		}
		if err := t.checkSessionSlot(HandleNull); err != nil {
			return err
		}

		s := &session{handle: handleType.BaseHandle() + Handle(index)}
		s.Type = SessionTypeHMAC
		if handleType == HandleTypePolicySession {
			s.Type = SessionTypePolicy
		}
		s.AuthHash = authHash
		s.NonceTPM = t.random(authHash.Size())
		if bind != HandleNull {
			if key := trimTrailingZeros(t.entityGetAuthValue(bind)); len(key) > 0 {
				s.SessionKey = cryptKDFa(authHash, key, labelSession, s.NonceTPM, nonceCaller, authHash.Size()*8)
			}
			if s.Type == SessionTypeHMAC {
				s.IsBound = true
				s.BoundEntity = t.computeBoundEntity(bind)
			}
			s.IsDABound = !t.daIsExempt(bind)
			s.IsLockoutBound = bind == HandleLockout
		}
		if s.isPolicy() {
			s.resetPolicy(t.orderly.Clock)
			s.IsTrial = sessionType == SessionTypeTrial
		}

		t.sessions[slot] = s
		t.gr.ContextArray[index] = uint16(slot) + 1

		t.log.WithFields(logrus.Fields{
			"handle": s.handle,
			"type":   sessionType,
			"bound":  bind}).Debug("session started")
		handle = s.handle
		nonceTPM = append(Nonce(nil), s.NonceTPM...)
		return nil
	})
	return handle, nonceTPM, err
}

// checkPolicySession returns the loaded policy session with the specified
// handle. index is the handle index used for errors.
func (t *TPM) checkPolicySession(h Handle, index int) (*session, error) {
	if h.Type() != HandleTypePolicySession {
		return nil, errHandle(ErrorHandle, index)
	}
	s := t.sessionGet(h)
	if s == nil {
		return nil, warn(WarningReferenceH0 + WarningCode(index-1))
	}
	return s, nil
}

// PolicyRestart corresponds to the TPM2_PolicyRestart command.
func (t *TPM) PolicyRestart(sessionHandle Handle) error {
	return t.run(CommandPolicyRestart, func() error {
		s, err := t.checkPolicySession(sessionHandle, 1)
		if err != nil {
			return err
		}
		s.resetPolicy(t.orderly.Clock)
		return nil
	})
}

// PolicyGetDigest corresponds to the TPM2_PolicyGetDigest command.
func (t *TPM) PolicyGetDigest(policySession Handle) (digest Digest, err error) {
	err = t.run(CommandPolicyGetDigest, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		digest = append(Digest(nil), s.PolicyDigest...)
		return nil
	})
	return digest, err
}

// SessionNonce returns the current TPM nonce of a loaded session. The nonce
// changes after each command that the session authorizes.
func (t *TPM) SessionNonce(sessionHandle Handle) (Nonce, error) {
	s := t.sessionGet(sessionHandle)
	if s == nil {
		return nil, errHandle(ErrorHandle, 1)
	}
	return append(Nonce(nil), s.NonceTPM...), nil
}
