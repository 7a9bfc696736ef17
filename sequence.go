// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"encoding"
	"encoding/binary"
)

// generatedValue is TPM_GENERATED_VALUE. A hash sequence whose data starts
// with it can't produce a HashCheck ticket.
const generatedValue uint32 = 0xff544347

const (
	hmacIpad = 0x36
	hmacOpad = 0x5c
)

// hmacPad returns the HMAC key block for the specified pad. Keys longer than
// the block size are hashed first.
func hmacPad(alg HashAlgorithmId, key []byte, pad byte) []byte {
	bs := alg.NewHash().BlockSize()
	if len(key) > bs {
		key = cryptDigest(alg, key)
	}
	b := make([]byte, bs)
	copy(b, key)
	for i := range b {
		b[i] ^= pad
	}
	return b
}

// newSequence returns a new sequence object. An HMAC is computed as a plain
// hash with the inner key block prepended, so that the digest state can be
// saved in a context.
func newSequence(hashAlg HashAlgorithmId, auth Auth, hmacKey []byte) *object {
	obj := &object{
		objectData: objectData{
			Public: Public{
				Type:    ObjectTypeKeyedHash,
				NameAlg: hashAlg,
				Attrs:   AttrUserWithAuth,
				Params:  PublicParams{Scheme: SigScheme{Scheme: SigSchemeAlgNull}}},
			Sensitive: Sensitive{
				Type:      ObjectTypeKeyedHash,
				AuthValue: append(Auth(nil), trimTrailingZeros(auth)...)},
			Hierarchy:  HandleNull,
			IsSequence: true,
			Sequence: sequenceData{
				HashAlg:    hashAlg,
				TicketSafe: true,
				FirstBlock: true}},
		hash: hashAlg.NewHash()}
	if hmacKey != nil {
		obj.Sequence.IsHMAC = true
		obj.Sequence.HMACKey = append([]byte(nil), hmacKey...)
		obj.hash.Write(hmacPad(hashAlg, hmacKey, hmacIpad))
	}
	return obj
}

func (o *object) sequenceUpdate(data []byte) {
	if o.Sequence.FirstBlock && len(data) > 0 {
		if !o.Sequence.IsHMAC && len(data) >= 4 && binary.BigEndian.Uint32(data) == generatedValue {
			o.Sequence.TicketSafe = false
		}
		o.Sequence.FirstBlock = false
	}
	o.hash.Write(data)
}

func (o *object) sequenceResult() Digest {
	d := o.hash.Sum(nil)
	if !o.Sequence.IsHMAC {
		return d
	}
	alg := o.Sequence.HashAlg
	return cryptDigest(alg, hmacPad(alg, o.Sequence.HMACKey, hmacOpad), d)
}

// sequenceState returns the marshalled digest state of a sequence for a
// saved context. Digests that can't be marshalled can't be saved.
func (o *object) sequenceState() ([]byte, error) {
	m, ok := o.hash.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errHandle(ErrorType, 1)
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, fatal("cannot marshal digest state: %w", err)
	}
	return state, nil
}

// restoreSequenceState recreates the digest of a sequence loaded from a
// context.
func (o *object) restoreSequenceState() error {
	h := o.Sequence.HashAlg.NewHash()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return fatal("cannot restore digest state for %v", o.Sequence.HashAlg)
	}
	if err := u.UnmarshalBinary(o.Sequence.State); err != nil {
		return fatal("cannot unmarshal digest state: %w", err)
	}
	o.hash = h
	o.Sequence.State = nil
	return nil
}

// HashSequenceStart corresponds to the TPM2_HashSequenceStart command. Event
// sequences are not supported.
func (t *TPM) HashSequenceStart(auth Auth, hashAlg HashAlgorithmId) (sequenceHandle Handle, err error) {
	err = t.run(CommandHashSequenceStart, func() error {
		if len(trimTrailingZeros(auth)) > HashAlgorithmSHA512.Size() {
			return errParam(ErrorSize, 1)
		}
		if !hashAlg.IsValid() {
			return errParam(ErrorHash, 2)
		}
		h, err := t.objectInsert(newSequence(hashAlg, auth, nil))
		if err != nil {
			return err
		}
		sequenceHandle = h
		return nil
	})
	return sequenceHandle, err
}

// HMACStart corresponds to the TPM2_HMAC_Start command. If hashAlg is
// HashAlgorithmNull, the digest algorithm from the key's scheme is used.
func (t *TPM) HMACStart(handle Handle, auth Auth, hashAlg HashAlgorithmId, session *AuthCommand) (sequenceHandle Handle, err error) {
	err = t.run(CommandHMACStart, func() error {
		cmd := &command{
			code:    CommandHMACStart,
			handles: []Handle{handle},
			roles:   []authRole{roleUser},
			params:  []interface{}{auth, hashAlg}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		key := t.objectGet(handle)
		switch {
		case key == nil || key.isSequence() || key.PublicOnly || key.Public.Type != ObjectTypeKeyedHash:
			return errHandle(ErrorType, 1)
		case key.Public.Attrs&AttrSign == 0:
			return errHandle(ErrorKey, 1)
		case key.Public.Attrs&AttrRestricted != 0:
			return errHandle(ErrorAttributes, 1)
		}

		scheme := key.Public.Params.Scheme
		switch {
		case hashAlg == HashAlgorithmNull:
			if scheme.Scheme == SigSchemeAlgNull {
				return errParam(ErrorValue, 2)
			}
			hashAlg = scheme.Hash
		case !hashAlg.IsValid():
			return errParam(ErrorHash, 2)
		case scheme.Scheme != SigSchemeAlgNull && scheme.Hash != hashAlg:
			return errParam(ErrorValue, 2)
		}
		if len(trimTrailingZeros(auth)) > HashAlgorithmSHA512.Size() {
			return errParam(ErrorSize, 1)
		}

		h, err := t.objectInsert(newSequence(hashAlg, auth, key.Sensitive.Sensitive))
		if err != nil {
			return err
		}
		sequenceHandle = h
		t.completeAuth(cmd)
		return nil
	})
	return sequenceHandle, err
}

func (t *TPM) checkSequence(h Handle) error {
	if obj := t.objectGet(h); obj == nil || !obj.isSequence() {
		return errHandle(ErrorMode, 1)
	}
	return nil
}

// SequenceUpdate corresponds to the TPM2_SequenceUpdate command.
func (t *TPM) SequenceUpdate(sequenceHandle Handle, buffer MaxBuffer, session *AuthCommand) error {
	return t.run(CommandSequenceUpdate, func() error {
		cmd := &command{
			code:    CommandSequenceUpdate,
			handles: []Handle{sequenceHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{buffer}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.checkSequence(sequenceHandle); err != nil {
			return err
		}

		t.objectGet(sequenceHandle).sequenceUpdate(buffer)
		t.completeAuth(cmd)
		return nil
	})
}

// SequenceComplete corresponds to the TPM2_SequenceComplete command. It adds
// the final data, returns the result and flushes the sequence. For a hash
// sequence, the returned HashCheck ticket is a null ticket if hierarchy is
// HandleNull or the data started with TPM_GENERATED_VALUE.
func (t *TPM) SequenceComplete(sequenceHandle Handle, buffer MaxBuffer, hierarchy Handle, session *AuthCommand) (result Digest, validation *Ticket, err error) {
	err = t.run(CommandSequenceComplete, func() error {
		cmd := &command{
			code:    CommandSequenceComplete,
			handles: []Handle{sequenceHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{buffer, hierarchy}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		if err := t.checkSequence(sequenceHandle); err != nil {
			return err
		}
		if !isHierarchy(hierarchy) {
			return errParam(ErrorValue, 2)
		}
		if err := t.checkHierarchy(hierarchy); err != nil {
			return asParam(err, 2)
		}

		obj := t.objectGet(sequenceHandle)
		obj.sequenceUpdate(buffer)
		result = obj.sequenceResult()

		switch {
		case obj.Sequence.IsHMAC, hierarchy == HandleNull, !obj.Sequence.TicketSafe:
			validation = nullTicket(TagHashcheck)
		default:
			validation = t.ticketComputeHashCheck(hierarchy, obj.Sequence.HashAlg, result)
		}

		t.completeAuth(cmd)
		t.objectFlush(sequenceHandle)
		return nil
	})
	return result, validation, err
}
