// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"

	"github.com/canonical/go-swtpm/mu"
)

// Timeout corresponds to the TPM2B_TIMEOUT type. It contains a big-endian
// 64-bit clock value in milliseconds.
type Timeout []byte

const (
	minPolicyORDigests = 2
	maxPolicyORDigests = 8
)

// policyUpdate extends the policy digest of s with the command code and the
// supplied data:
//
//	digest' = H(digest || code || data...)
func (s *session) policyUpdate(code CommandCode, data ...[]byte) {
	h := s.AuthHash.NewHash()
	h.Write(s.PolicyDigest)
	h.Write(uint32Bytes(uint32(code)))
	for _, d := range data {
		h.Write(d)
	}
	s.PolicyDigest = h.Sum(nil)
}

// policyContextUpdate is the digest update shared by the assertions that
// name an authorizing entity. A non-zero timeout reduces the session timeout.
func (s *session) policyContextUpdate(code CommandCode, name Name, policyRef Nonce, cpHash Digest, timeout uint64) {
	s.policyUpdate(code, name)
	s.PolicyDigest = cryptDigest(s.AuthHash, s.PolicyDigest, policyRef)

	if len(cpHash) > 0 {
		s.CpHash = append(Digest(nil), cpHash...)
		s.IsCpHashDefined = true
	}
	if timeout != 0 && (s.Timeout == 0 || timeout < s.Timeout) {
		s.Timeout = timeout
	}
}

// policyAuthTimeout returns the absolute clock value at which an
// authorization with the specified expiration in seconds expires, or 0 if it
// never expires.
func policyAuthTimeout(s *session, expiration int32) uint64 {
	if expiration == 0 {
		return 0
	}
	e := int64(expiration)
	if e < 0 {
		e = -e
	}
	return uint64(e)*1000 + s.StartTime
}

// policyParameterChecks performs the nonce, expiration and cpHash checks
// shared by the authorizing assertions. The index arguments identify the
// parameters to blame for each error. A zero nonceIndex means there is no
// nonce parameter.
func (t *TPM) policyParameterChecks(s *session, timeout uint64, cpHash Digest, nonce Nonce, nonceIndex, cpHashIndex, expirationIndex int) error {
	if nonceIndex > 0 && len(nonce) > 0 && !bytes.Equal(nonce, s.NonceTPM) {
		return errParam(ErrorNonce, nonceIndex)
	}
	if timeout != 0 {
		if err := t.clockAvailable(); err != nil {
			return err
		}
		if timeout < t.orderly.Clock {
			return errParam(ErrorExpired, expirationIndex)
		}
	}
	if len(cpHash) > 0 {
		if len(cpHash) != s.AuthHash.Size() {
			return errParam(ErrorSize, cpHashIndex)
		}
		if len(s.CpHash) > 0 && (s.IsNameHashDefined || !bytes.Equal(s.CpHash, cpHash)) {
			return errParam(ErrorCpHash, cpHashIndex)
		}
	}
	return nil
}

func (t *TPM) policyTicketTimeout(timeout uint64) Timeout {
	return Timeout(uint64Bytes(timeout))
}

// PolicySigned corresponds to the TPM2_PolicySigned command. The signature
// is over H(nonceTPM || expiration || cpHashA || policyRef), computed with the
// digest algorithm of the signature. If expiration is negative, a ticket is
// returned that can be used with PolicyTicket until the timeout.
func (t *TPM) PolicySigned(authObject, policySession Handle, nonceTPM Nonce, cpHashA Digest, policyRef Nonce, expiration int32, auth *Signature) (timeout Timeout, policyTicket *Ticket, err error) {
	err = t.run(CommandPolicySigned, func() error {
		obj := t.objectGet(authObject)
		if obj == nil {
			if authObject.Kind() == KindTransient {
				return warn(WarningReferenceH0)
			}
			return errHandle(ErrorHandle, 1)
		}
		if obj.isSequence() {
			return errHandle(ErrorHandle, 1)
		}
		s, err := t.checkPolicySession(policySession, 2)
		if err != nil {
			return err
		}
		if len(policyRef) > s.AuthHash.Size() {
			return errParam(ErrorSize, 3)
		}
		if expiration < 0 && len(nonceTPM) == 0 {
			return errParam(ErrorExpired, 4)
		}
		if auth == nil {
			return errParam(ErrorSize, 5)
		}

		authTimeout := policyAuthTimeout(s, expiration)
		if !s.IsTrial {
			if err := t.policyParameterChecks(s, authTimeout, cpHashA, nonceTPM, 1, 2, 4); err != nil {
				return err
			}
			if obj.Public.Attrs&AttrSign == 0 {
				return errHandle(ErrorKey, 1)
			}
			if !auth.Hash.IsValid() {
				return errParam(ErrorHash, 5)
			}
			aHash := cryptDigest(auth.Hash, nonceTPM, uint32Bytes(uint32(expiration)), cpHashA, policyRef)
			if err := cryptVerifySignature(obj, aHash, auth); err != nil {
				return asParam(err, 5)
			}
		}

		s.policyContextUpdate(CommandPolicySigned, obj.name, policyRef, cpHashA, authTimeout)

		if expiration < 0 && !s.IsTrial {
			timeout = t.policyTicketTimeout(authTimeout)
			policyTicket = t.ticketComputeAuth(TagAuthSigned, obj.Hierarchy, authTimeout, cpHashA, policyRef, obj.name)
		} else {
			policyTicket = nullTicket(TagAuthSigned)
		}
		return nil
	})
	return timeout, policyTicket, err
}

// PolicySecret corresponds to the TPM2_PolicySecret command. It requires
// authorization of authHandle with the USER role. If expiration is negative,
// a ticket is returned that can be used with PolicyTicket until the timeout.
func (t *TPM) PolicySecret(authHandle, policySession Handle, nonceTPM Nonce, cpHashA Digest, policyRef Nonce, expiration int32, session *AuthCommand) (timeout Timeout, policyTicket *Ticket, err error) {
	err = t.run(CommandPolicySecret, func() error {
		cmd := &command{
			code:    CommandPolicySecret,
			handles: []Handle{authHandle, policySession},
			roles:   []authRole{roleUser},
			params:  []interface{}{nonceTPM, cpHashA, policyRef, expiration}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		s, err := t.checkPolicySession(policySession, 2)
		if err != nil {
			return err
		}
		if len(policyRef) > s.AuthHash.Size() {
			return errParam(ErrorSize, 3)
		}
		if expiration < 0 && len(nonceTPM) == 0 {
			return errParam(ErrorExpired, 4)
		}

		authTimeout := policyAuthTimeout(s, expiration)
		if !s.IsTrial {
			if err := t.policyParameterChecks(s, authTimeout, cpHashA, nonceTPM, 1, 2, 4); err != nil {
				return err
			}
		}

		name := cmd.names[0]
		s.policyContextUpdate(CommandPolicySecret, name, policyRef, cpHashA, authTimeout)

		if expiration < 0 && !s.IsTrial {
			timeout = t.policyTicketTimeout(authTimeout)
			policyTicket = t.ticketComputeAuth(TagAuthSecret, t.entityGetHierarchy(authHandle), authTimeout, cpHashA, policyRef, name)
		} else {
			policyTicket = nullTicket(TagAuthSecret)
		}
		t.completeAuth(cmd)
		return nil
	})
	return timeout, policyTicket, err
}

// PolicyTicket corresponds to the TPM2_PolicyTicket command. It replays a
// PolicySigned or PolicySecret assertion using a ticket returned from one of
// those commands.
func (t *TPM) PolicyTicket(policySession Handle, timeout Timeout, cpHashA Digest, policyRef Nonce, authName Name, ticket *Ticket) error {
	return t.run(CommandPolicyTicket, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(timeout) != 8 {
			return errParam(ErrorSize, 1)
		}
		if ticket == nil {
			return errParam(ErrorTicket, 5)
		}
		authTimeout := binary.BigEndian.Uint64(timeout)

		var code CommandCode
		switch ticket.Tag {
		case TagAuthSigned:
			code = CommandPolicySigned
		case TagAuthSecret:
			code = CommandPolicySecret
		default:
			return errParam(ErrorTag, 5)
		}

		if !s.IsTrial {
			if err := t.policyParameterChecks(s, authTimeout, cpHashA, nil, 0, 2, 1); err != nil {
				return err
			}
			if !isHierarchy(ticket.Hierarchy) {
				return errParam(ErrorTicket, 5)
			}
			expected := t.ticketComputeAuth(ticket.Tag, ticket.Hierarchy, authTimeout, cpHashA, policyRef, authName)
			if !hmac.Equal(expected.Digest, ticket.Digest) {
				return errParam(ErrorTicket, 5)
			}
		}

		s.policyContextUpdate(code, authName, policyRef, cpHashA, authTimeout)
		return nil
	})
}

// PolicyOR corresponds to the TPM2_PolicyOR command. The current policy
// digest must be one of the digests in pHashList, unless the session is a
// trial session.
func (t *TPM) PolicyOR(policySession Handle, pHashList []Digest) error {
	return t.run(CommandPolicyOR, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(pHashList) < minPolicyORDigests || len(pHashList) > maxPolicyORDigests {
			return errParam(ErrorSize, 1)
		}
		if !s.IsTrial && !digestListContains(pHashList, s.PolicyDigest) {
			return errParam(ErrorValue, 1)
		}

		s.PolicyDigest = make(Digest, s.AuthHash.Size())
		data := make([][]byte, 0, len(pHashList))
		for _, d := range pHashList {
			data = append(data, d)
		}
		s.policyUpdate(CommandPolicyOR, data...)
		return nil
	})
}

// PolicyPCR corresponds to the TPM2_PolicyPCR command. If pcrDigest is
// empty, the digest of the current values of the selected PCRs is used.
func (t *TPM) PolicyPCR(policySession Handle, pcrDigest Digest, pcrs PCRSelectionList) error {
	return t.run(CommandPolicyPCR, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(pcrDigest) > 0 && len(pcrDigest) != s.AuthHash.Size() {
			return errParam(ErrorSize, 1)
		}

		current, err := t.pcrComputeDigest(s.AuthHash, pcrs)
		if err != nil {
			return errParam(ErrorValue, 2)
		}
		if !s.IsTrial {
			if len(pcrDigest) > 0 && !bytes.Equal(pcrDigest, current) {
				return errParam(ErrorValue, 1)
			}
			if s.IsPCRSet && s.PCRCounter != t.gr.PCRCounter {
				return errCode(ErrorPCRChanged)
			}
		}
		if len(pcrDigest) == 0 {
			pcrDigest = current
		}

		pcrBytes, err := mu.MarshalToBytes(pcrs)
		if err != nil {
			return errParam(ErrorValue, 2)
		}
		s.policyUpdate(CommandPolicyPCR, pcrBytes, pcrDigest)
		if !s.IsTrial {
			s.PCRCounter = t.gr.PCRCounter
			s.IsPCRSet = true
		}
		return nil
	})
}

// PolicyLocality corresponds to the TPM2_PolicyLocality command. Standard
// locality selections are intersected with any previous selection, and an
// extended locality must match any previous one.
func (t *TPM) PolicyLocality(policySession Handle, locality Locality) error {
	return t.run(CommandPolicyLocality, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if locality == 0 {
			return errParam(ErrorRange, 1)
		}

		prev := s.CommandLocality
		next := locality
		if locality < 32 {
			if prev != 0 {
				if prev >= 32 {
					return errParam(ErrorRange, 1)
				}
				next &= prev
				if next == 0 {
					return errParam(ErrorRange, 1)
				}
			}
		} else if prev != 0 && prev != locality {
			return errParam(ErrorRange, 1)
		}

		s.policyUpdate(CommandPolicyLocality, []byte{uint8(locality)})
		s.CommandLocality = next
		return nil
	})
}

// PolicyNV corresponds to the TPM2_PolicyNV command. The assertion succeeds
// if the comparison "data operation operandB" is true, where data is read
// from the NV index at offset.
func (t *TPM) PolicyNV(authHandle, nvIndex, policySession Handle, operandB []byte, offset uint16, operation ArithmeticOp, session *AuthCommand) error {
	return t.run(CommandPolicyNV, func() error {
		cmd := &command{
			code:    CommandPolicyNV,
			handles: []Handle{authHandle, nvIndex, policySession},
			roles:   []authRole{roleUser},
			params:  []interface{}{operandB, offset, operation}}
		idx, err := t.checkNVAuthHandle(authHandle, nvIndex)
		if err != nil {
			return err
		}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		s, err := t.checkPolicySession(policySession, 3)
		if err != nil {
			return err
		}

		if offset > idx.Public.Size {
			return errParam(ErrorValue, 2)
		}
		if int(idx.Public.Size-offset) < len(operandB) {
			return errParam(ErrorSize, 1)
		}

		if !s.IsTrial {
			data, err := nvReadData(authHandle, idx, uint16(len(operandB)), offset)
			if err != nil {
				return asHandle(err, 2)
			}
			ok, err := arithmeticCompare(data, operandB, operation)
			if err != nil {
				return asParam(err, 3)
			}
			if !ok {
				return errCode(ErrorPolicy)
			}
		}

		args := cryptDigest(s.AuthHash, operandB, uint16Bytes(offset), uint16Bytes(uint16(operation)))
		s.policyUpdate(CommandPolicyNV, args, idx.name())
		t.completeAuth(cmd)
		return nil
	})
}

// PolicyCounterTimer corresponds to the TPM2_PolicyCounterTimer command. The
// comparison is performed against the marshalled TPMS_TIME_INFO structure.
func (t *TPM) PolicyCounterTimer(policySession Handle, operandB []byte, offset uint16, operation ArithmeticOp) error {
	return t.run(CommandPolicyCounterTimer, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}

		if !s.IsTrial {
			info, err := mu.MarshalToBytes(t.timeInfo())
			if err != nil {
				return fatal("cannot marshal time info: %w", err)
			}
			if int(offset)+len(operandB) > len(info) {
				return errParam(ErrorRange, 2)
			}
			ok, err := arithmeticCompare(info[offset:int(offset)+len(operandB)], operandB, operation)
			if err != nil {
				return asParam(err, 3)
			}
			if !ok {
				return errCode(ErrorPolicy)
			}
		}

		args := cryptDigest(s.AuthHash, operandB, uint16Bytes(offset), uint16Bytes(uint16(operation)))
		s.policyUpdate(CommandPolicyCounterTimer, args)
		return nil
	})
}

// PolicyCommandCode corresponds to the TPM2_PolicyCommandCode command.
func (t *TPM) PolicyCommandCode(policySession Handle, code CommandCode) error {
	return t.run(CommandPolicyCommandCode, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if s.CommandCode != 0 && s.CommandCode != code {
			return errParam(ErrorValue, 1)
		}
		if _, ok := commandCodeNames[code]; !ok {
			return errParam(ErrorPolicyCC, 1)
		}

		s.policyUpdate(CommandPolicyCommandCode, uint32Bytes(uint32(code)))
		s.CommandCode = code
		return nil
	})
}

// PolicyPhysicalPresence corresponds to the TPM2_PolicyPhysicalPresence
// command.
func (t *TPM) PolicyPhysicalPresence(policySession Handle) error {
	return t.run(CommandPolicyPhysicalPresence, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		s.policyUpdate(CommandPolicyPhysicalPresence)
		s.IsPPRequired = true
		return nil
	})
}

// PolicyCpHash corresponds to the TPM2_PolicyCpHash command.
func (t *TPM) PolicyCpHash(policySession Handle, cpHashA Digest) error {
	return t.run(CommandPolicyCpHash, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(cpHashA) != s.AuthHash.Size() {
			return errParam(ErrorSize, 1)
		}
		if len(s.CpHash) > 0 && (s.IsNameHashDefined || !bytes.Equal(s.CpHash, cpHashA)) {
			return errParam(ErrorCpHash, 1)
		}

		s.policyUpdate(CommandPolicyCpHash, cpHashA)
		s.CpHash = append(Digest(nil), cpHashA...)
		s.IsCpHashDefined = true
		return nil
	})
}

// PolicyNameHash corresponds to the TPM2_PolicyNameHash command.
func (t *TPM) PolicyNameHash(policySession Handle, nameHash Digest) error {
	return t.run(CommandPolicyNameHash, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(nameHash) != s.AuthHash.Size() {
			return errParam(ErrorSize, 1)
		}
		if len(s.CpHash) > 0 {
			return errParam(ErrorCpHash, 1)
		}

		s.policyUpdate(CommandPolicyNameHash, nameHash)
		s.CpHash = append(Digest(nil), nameHash...)
		s.IsNameHashDefined = true
		return nil
	})
}

// PolicyDuplicationSelect corresponds to the TPM2_PolicyDuplicationSelect
// command. It limits the session to duplicating the named object to the
// named new parent.
func (t *TPM) PolicyDuplicationSelect(policySession Handle, objectName, newParentName Name, includeObject bool) error {
	return t.run(CommandPolicyDuplicationSelect, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if len(s.CpHash) > 0 {
			return errCode(ErrorCpHash)
		}
		if s.CommandCode != 0 {
			return errCode(ErrorCommandCode)
		}

		var include uint8
		var object Name
		if includeObject {
			include = 1
			object = objectName
		}
		s.policyUpdate(CommandPolicyDuplicationSelect, object, newParentName, []byte{include})
		s.CpHash = ComputeNameHash(s.AuthHash, objectName, newParentName)
		s.IsNameHashDefined = true
		s.CommandCode = CommandDuplicate
		return nil
	})
}

// PolicyAuthorize corresponds to the TPM2_PolicyAuthorize command. It
// replaces the current policy digest, which must equal approvedPolicy, with
// one that depends only on keySign and policyRef. checkTicket is a Verified
// ticket from VerifySignature for the digest H(approvedPolicy || policyRef),
// computed with the name algorithm of keySign.
func (t *TPM) PolicyAuthorize(policySession Handle, approvedPolicy Digest, policyRef Nonce, keySign Name, checkTicket *Ticket) error {
	return t.run(CommandPolicyAuthorize, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		alg := keySign.Algorithm()
		if !alg.IsValid() || len(keySign) != alg.Size()+2 {
			return errParam(ErrorHash, 3)
		}

		if !s.IsTrial {
			if !bytes.Equal(approvedPolicy, s.PolicyDigest) {
				return errParam(ErrorValue, 1)
			}
			if checkTicket == nil || checkTicket.Tag != TagVerified {
				return errParam(ErrorTag, 4)
			}
			if !isHierarchy(checkTicket.Hierarchy) || checkTicket.Hierarchy == HandleNull {
				return errParam(ErrorValue, 4)
			}
			aHash := cryptDigest(alg, approvedPolicy, policyRef)
			expected := t.ticketComputeVerified(checkTicket.Hierarchy, aHash, keySign)
			if !hmac.Equal(expected.Digest, checkTicket.Digest) {
				return errParam(ErrorValue, 4)
			}
		}

		s.PolicyDigest = make(Digest, s.AuthHash.Size())
		s.policyContextUpdate(CommandPolicyAuthorize, keySign, policyRef, nil, 0)
		return nil
	})
}

// PolicyAuthValue corresponds to the TPM2_PolicyAuthValue command. The
// authorization value of the authorized entity is included in the session
// HMAC key.
func (t *TPM) PolicyAuthValue(policySession Handle) error {
	return t.run(CommandPolicyAuthValue, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		s.policyUpdate(CommandPolicyAuthValue)
		s.IsAuthValueNeeded = true
		s.IsPasswordNeeded = false
		return nil
	})
}

// PolicyPassword corresponds to the TPM2_PolicyPassword command. The
// authorization value of the authorized entity is supplied in the clear in
// place of the session HMAC. It produces the same digest as PolicyAuthValue.
func (t *TPM) PolicyPassword(policySession Handle) error {
	return t.run(CommandPolicyPassword, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		s.policyUpdate(CommandPolicyAuthValue)
		s.IsPasswordNeeded = true
		s.IsAuthValueNeeded = false
		return nil
	})
}

// PolicyNvWritten corresponds to the TPM2_PolicyNvWritten command.
func (t *TPM) PolicyNvWritten(policySession Handle, writtenSet bool) error {
	return t.run(CommandPolicyNvWritten, func() error {
		s, err := t.checkPolicySession(policySession, 1)
		if err != nil {
			return err
		}
		if s.CheckNVWritten && s.NVWrittenState != writtenSet {
			return errParam(ErrorValue, 1)
		}

		var b uint8
		if writtenSet {
			b = 1
		}
		s.policyUpdate(CommandPolicyNvWritten, []byte{b})
		s.CheckNVWritten = true
		s.NVWrittenState = writtenSet
		return nil
	})
}
