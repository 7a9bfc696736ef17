// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"crypto/hmac"
	"crypto/subtle"

	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm/mu"
)

// SessionAttributes corresponds to the TPMA_SESSION type.
type SessionAttributes uint8

const (
	AttrContinueSession SessionAttributes = 1 << 0
)

// AuthCommand corresponds to the TPMS_AUTH_COMMAND type, and authorizes the
// use of an entity by a command. For a password authorization, SessionHandle
// is HandlePW and HMAC contains the authorization value.
type AuthCommand struct {
	SessionHandle Handle
	Nonce         Nonce
	Attrs         SessionAttributes
	HMAC          Auth
}

// PasswordAuth returns a password authorization with the supplied value.
func PasswordAuth(authValue Auth) *AuthCommand {
	return &AuthCommand{SessionHandle: HandlePW, Attrs: AttrContinueSession, HMAC: authValue}
}

type authRole int

const (
	roleUser authRole = iota
	roleAdmin
	roleDup
)

// command describes the command being authorized. Only the first len(roles)
// handles require authorization.
type command struct {
	code    CommandCode
	handles []Handle
	roles   []authRole
	params  []interface{}

	names    []Name
	cpBytes  []byte
	auths    []*AuthCommand
	sessions []*session
}

func (c *command) cpHash(alg HashAlgorithmId) Digest {
	h := alg.NewHash()
	h.Write(uint32Bytes(uint32(c.code)))
	for _, n := range c.names {
		h.Write(n)
	}
	h.Write(c.cpBytes)
	return h.Sum(nil)
}

func (c *command) nameHash(alg HashAlgorithmId) Digest {
	h := alg.NewHash()
	for _, n := range c.names {
		h.Write(n)
	}
	return h.Sum(nil)
}

// ComputeCpHash computes the command parameter digest used in session HMACs
// and by PolicyCpHash, from the names of the command's handles and its
// parameters.
func ComputeCpHash(alg HashAlgorithmId, code CommandCode, names []Name, params ...interface{}) (Digest, error) {
	if !alg.IsValid() {
		return nil, xerrors.New("invalid digest algorithm")
	}
	b, err := mu.MarshalToBytes(params...)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal parameters: %w", err)
	}
	c := &command{code: code, names: names, cpBytes: b}
	return c.cpHash(alg), nil
}

// ComputeNameHash computes the digest of the names of a command's handles
// used by PolicyNameHash.
func ComputeNameHash(alg HashAlgorithmId, names ...Name) Digest {
	c := &command{names: names}
	return c.nameHash(alg)
}

// ComputeSessionHMAC computes the HMAC for a command authorized with a
// session. key is the session key, with the authorization value of the
// entity appended when it is included.
func ComputeSessionHMAC(alg HashAlgorithmId, key []byte, cpHash Digest, nonceCaller, nonceTPM Nonce, attrs SessionAttributes) Auth {
	return Auth(cryptHMAC(alg, key, cpHash, nonceCaller, nonceTPM, []byte{uint8(attrs)}))
}

// authorize checks the authorizations supplied for cmd. Nil entries in auths
// are ignored. On success, completeAuth must be called once the command has
// completed successfully.
func (t *TPM) authorize(cmd *command, auths ...*AuthCommand) error {
	for _, a := range auths {
		if a != nil {
			cmd.auths = append(cmd.auths, a)
		}
	}
	switch {
	case len(cmd.auths) < len(cmd.roles):
		return errCode(ErrorAuthMissing)
	case len(cmd.auths) > len(cmd.roles):
		return errCode(ErrorAuthContext)
	}

	for i, h := range cmd.handles[:len(cmd.roles)] {
		if err := t.entityGetLoadStatus(h); err != nil {
			if IsTPMWarning(err, WarningReferenceH0, AnyCommandCode) {
				return warn(WarningReferenceH0 + WarningCode(i))
			}
			return asHandle(err, i+1)
		}
	}

	cmd.names = make([]Name, len(cmd.handles))
	for i, h := range cmd.handles {
		cmd.names[i] = t.entityGetName(h)
	}
	b, err := mu.MarshalToBytes(cmd.params...)
	if err != nil {
		return errCode(ErrorValue)
	}
	cmd.cpBytes = b

	cmd.sessions = make([]*session, len(cmd.auths))
	for i, a := range cmd.auths {
		if a.SessionHandle == HandlePW {
			if len(a.Nonce) != 0 {
				return errSession(ErrorNonce, i+1)
			}
			continue
		}
		s := t.sessionGet(a.SessionHandle)
		if s == nil {
			if a.SessionHandle.Kind().IsSession() {
				return warn(WarningReferenceS0 + WarningCode(i))
			}
			return errSession(ErrorHandle, i+1)
		}
		for _, other := range cmd.sessions[:i] {
			if other == s {
				return errSession(ErrorValue, i+1)
			}
		}
		if len(a.Nonce) < 16 || len(a.Nonce) > s.AuthHash.Size() {
			return errSession(ErrorSize, i+1)
		}
		if s.IsTrial {
			return errSession(ErrorAttributes, i+1)
		}
		cmd.sessions[i] = s
	}

	for i := range cmd.auths {
		if err := t.checkAuthSession(cmd, i); err != nil {
			return err
		}
	}
	return nil
}

// completeAuth rolls the TPM nonce of each session that authorized cmd, and
// flushes the sessions that weren't continued. Continued policy sessions
// start a new policy.
func (t *TPM) completeAuth(cmd *command) {
	for i, s := range cmd.sessions {
		if s == nil {
			continue
		}
		s.NonceTPM = t.random(len(s.NonceTPM))
		switch {
		case cmd.auths[i].Attrs&AttrContinueSession == 0:
			t.sessionFlush(s.handle)
		case s.isPolicy():
			s.resetPolicy(t.orderly.Clock)
		}
	}
}

// isPolicySessionRequired indicates whether the authorization for h in the
// specified role can only be provided by a policy session.
func (t *TPM) isPolicySessionRequired(h Handle, role authRole) bool {
	switch role {
	case roleDup:
		return true
	case roleAdmin:
		switch h.Kind() {
		case KindTransient:
			obj := t.objectGet(h)
			return obj != nil && obj.Public.Attrs&AttrAdminWithPolicy != 0
		case KindNVIndex:
			return true
		}
	case roleUser:
		if h.Kind() == KindTransient {
			obj := t.objectGet(h)
			return obj != nil && !obj.isSequence() && obj.Public.Attrs&AttrUserWithAuth == 0
		}
	}
	return false
}

// isAuthValueAvailable indicates whether h can be authorized with its
// authorization value in the specified role.
func (t *TPM) isAuthValueAvailable(h Handle, code CommandCode, role authRole) bool {
	switch h.Kind() {
	case KindPermanent:
		switch h {
		case HandleOwner, HandleEndorsement, HandlePlatform, HandleLockout, HandleNull:
			return true
		}
	case KindTransient:
		obj := t.objectGet(h)
		switch {
		case obj == nil:
		case obj.isSequence():
			return true
		case obj.PublicOnly:
		case role == roleUser:
			return obj.Public.Attrs&AttrUserWithAuth != 0
		case role == roleAdmin:
			return obj.Public.Attrs&AttrAdminWithPolicy == 0
		}
	case KindNVIndex:
		idx, err := t.nvGet(h)
		if err != nil {
			return false
		}
		if code.IsWrite() {
			return idx.Public.Attrs&AttrNVAuthWrite != 0
		}
		return idx.Public.Attrs&AttrNVAuthRead != 0
	case KindPCR:
		return true
	}
	return false
}

// isAuthPolicyAvailable indicates whether h can be authorized with a policy
// session in the specified role.
func (t *TPM) isAuthPolicyAvailable(h Handle, code CommandCode, role authRole) bool {
	switch h.Kind() {
	case KindPermanent:
		_, alg := t.entityGetAuthPolicy(h)
		return alg != HashAlgorithmNull
	case KindTransient:
		obj := t.objectGet(h)
		return obj != nil && !obj.PublicOnly && !obj.isSequence()
	case KindNVIndex:
		idx, err := t.nvGet(h)
		if err != nil || len(idx.Public.AuthPolicy) == 0 {
			return false
		}
		if role != roleUser {
			return true
		}
		if code.IsWrite() {
			return idx.Public.Attrs&AttrNVPolicyWrite != 0
		}
		return idx.Public.Attrs&AttrNVPolicyRead != 0
	}
	return false
}

// checkAuthSession checks the authorization with index i of cmd.
func (t *TPM) checkAuthSession(cmd *command, i int) error {
	h := cmd.handles[i]
	role := cmd.roles[i]
	s := cmd.sessions[i]

	isPolicy := s != nil && s.isPolicy()
	if !(isPolicy && !s.IsAuthValueNeeded && !s.IsPasswordNeeded) && !t.daIsExempt(h) {
		if err := t.checkLockedOut(h == HandleLockout); err != nil {
			return err
		}
	}

	if t.isPolicySessionRequired(h, role) && !isPolicy {
		return errSession(ErrorAuthType, i+1)
	}

	switch {
	case s == nil:
		if !t.isAuthValueAvailable(h, cmd.code, role) {
			return errCode(ErrorAuthUnavailable)
		}
		return t.checkPassword(cmd, i)
	case isPolicy:
		if !t.isAuthPolicyAvailable(h, cmd.code, role) {
			return errCode(ErrorAuthUnavailable)
		}
		if err := t.checkPolicyAuthSession(cmd, i); err != nil {
			return err
		}
		if s.IsPasswordNeeded {
			return t.checkPassword(cmd, i)
		}
	default:
		if !t.isAuthValueAvailable(h, cmd.code, role) {
			return errCode(ErrorAuthUnavailable)
		}
	}
	return t.checkSessionHMAC(cmd, i)
}

func (t *TPM) checkPassword(cmd *command, i int) error {
	h := cmd.handles[i]
	supplied := trimTrailingZeros(cmd.auths[i].HMAC)
	expected := trimTrailingZeros(t.entityGetAuthValue(h))
	if subtle.ConstantTimeCompare(supplied, expected) == 1 {
		return nil
	}
	return asSession(t.incrementLockout(h, cmd.sessions[i]), i+1)
}

// isBoundTo indicates whether s is bound to h, in which case the
// authorization value of h is already part of the session key.
func (t *TPM) isBoundTo(s *session, h Handle) bool {
	if !s.IsBound {
		return false
	}
	return subtle.ConstantTimeCompare(s.BoundEntity, t.computeBoundEntity(h)) == 1
}

func (t *TPM) checkSessionHMAC(cmd *command, i int) error {
	h := cmd.handles[i]
	s := cmd.sessions[i]
	a := cmd.auths[i]

	key := append([]byte(nil), s.SessionKey...)
	if (s.isPolicy() && s.IsAuthValueNeeded) || (!s.isPolicy() && !t.isBoundTo(s, h)) {
		key = append(key, trimTrailingZeros(t.entityGetAuthValue(h))...)
	}
	if len(key) == 0 && len(a.HMAC) == 0 {
		return nil
	}

	expected := ComputeSessionHMAC(s.AuthHash, key, cmd.cpHash(s.AuthHash), a.Nonce, s.NonceTPM, a.Attrs)
	if hmac.Equal(expected, a.HMAC) {
		return nil
	}
	return asSession(t.incrementLockout(h, s), i+1)
}

// localityMatches indicates whether the current locality is permitted by a
// TPMA_LOCALITY value.
func localityMatches(allowed Locality, current uint8) bool {
	if allowed < 32 {
		return current < 5 && allowed&(1<<current) != 0
	}
	return uint8(allowed) == current
}

// checkPolicyAuthSession checks that the policy session with index i
// satisfies the authorization policy of the authorized entity.
func (t *TPM) checkPolicyAuthSession(cmd *command, i int) error {
	h := cmd.handles[i]
	role := cmd.roles[i]
	s := cmd.sessions[i]

	if cmd.code == CommandPolicySecret && !s.IsPasswordNeeded && !s.IsAuthValueNeeded {
		return errSession(ErrorMode, i+1)
	}
	if s.IsPCRSet && s.PCRCounter != t.gr.PCRCounter {
		return errCode(ErrorPCRChanged)
	}

	policy, alg := t.entityGetAuthPolicy(h)
	if alg != s.AuthHash || subtle.ConstantTimeCompare(policy, s.PolicyDigest) != 1 {
		return errSession(ErrorPolicyFail, i+1)
	}

	if s.Timeout != 0 {
		if err := t.clockAvailable(); err != nil {
			return err
		}
		if s.Timeout < t.orderly.Clock {
			return errSession(ErrorExpired, i+1)
		}
	}

	switch {
	case s.CommandCode != 0:
		if s.CommandCode != cmd.code {
			return errSession(ErrorPolicyCC, i+1)
		}
	case role != roleUser:
		return errSession(ErrorPolicyFail, i+1)
	}

	if s.CommandLocality != 0 && !localityMatches(s.CommandLocality, t.locality) {
		return warn(WarningLocality)
	}
	if s.IsPPRequired && !t.physicalPresence {
		return errSession(ErrorPP, i+1)
	}

	if len(s.CpHash) != 0 {
		var d Digest
		if s.IsNameHashDefined {
			d = cmd.nameHash(s.AuthHash)
		} else {
			d = cmd.cpHash(s.AuthHash)
		}
		if subtle.ConstantTimeCompare(d, s.CpHash) != 1 {
			return errSession(ErrorPolicyFail, i+1)
		}
	}

	if s.CheckNVWritten {
		if h.Kind() != KindNVIndex {
			return errSession(ErrorPolicyFail, i+1)
		}
		idx, err := t.nvGet(h)
		if err != nil {
			return err
		}
		if (idx.Public.Attrs&AttrNVWritten != 0) != s.NVWrittenState {
			return errSession(ErrorPolicyFail, i+1)
		}
	}
	return nil
}
