// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"crypto/hmac"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/canonical/go-swtpm/mu"
)

// Context corresponds to the TPMS_CONTEXT type. Blob contains the integrity
// value followed by the encrypted sequence and record:
//
//	[2B integrity][encrypted: sequence (8 bytes) || 2B record]
type Context struct {
	Sequence    uint64
	SavedHandle Handle
	Hierarchy   Handle
	Blob        []byte
}

// contextKeys derives the symmetric key and IV used to protect a context.
func contextKeys(proof []byte, sequence uint64, handle Handle) (key, iv []byte) {
	keyBytes := contextSymKeyBits / 8
	b := cryptKDFa(contextIntegrityAlg, proof, labelContext, uint64Bytes(sequence), uint32Bytes(uint32(handle)),
		(keyBytes+SymAlgorithmAES.BlockSize())*8)
	return b[:keyBytes], b[keyBytes:]
}

// contextIntegrity computes the integrity value of an encrypted context. The
// total reset count is included so that no context survives a TPM Reset, and
// the clear count is included for objects with the stClear attribute so that
// they don't survive a TPM Restart.
func (t *TPM) contextIntegrity(proof []byte, sequence uint64, handle Handle, enc []byte) Digest {
	var clearCount []byte
	if handle == contextHandleStClear {
		clearCount = uint32Bytes(t.gr.ClearCount)
	}
	return cryptHMAC(contextIntegrityAlg, proof, uint64Bytes(t.gp.TotalResetCount), clearCount,
		uint64Bytes(sequence), uint32Bytes(uint32(handle)), enc)
}

func (t *TPM) contextProtect(proof []byte, sequence uint64, handle Handle, record []byte) ([]byte, error) {
	b, err := mu.MarshalToBytes(sequence, record)
	if err != nil {
		return nil, fatal("cannot marshal context: %w", err)
	}
	key, iv := contextKeys(proof, sequence, handle)
	if err := cryptSymmetricEncrypt(SymAlgorithmAES, key, iv, b); err != nil {
		return nil, fatal("cannot encrypt context: %w", err)
	}
	blob, err := mu.MarshalToBytes(t.contextIntegrity(proof, sequence, handle, b), mu.RawBytes(b))
	if err != nil {
		return nil, fatal("cannot marshal context: %w", err)
	}
	if len(blob) > maxContextSize {
		return nil, fatal("context blob too large (%d bytes)", len(blob))
	}
	return blob, nil
}

// contextUnprotect verifies and decrypts a context blob and returns the
// record. The integrity value is checked first. A sequence number that
// doesn't match the one in the blob causes the TPM to enter failure mode.
func (t *TPM) contextUnprotect(proof []byte, context *Context) ([]byte, error) {
	var integrity []byte
	n, err := mu.UnmarshalFromBytes(context.Blob, &integrity)
	if err != nil {
		return nil, errParam(ErrorIntegrity, 1)
	}
	if len(integrity) != contextIntegrityAlg.Size() {
		return nil, errParam(ErrorIntegrity, 1)
	}
	enc := context.Blob[n:]
	expected := t.contextIntegrity(proof, context.Sequence, context.SavedHandle, enc)
	if !hmac.Equal(expected, integrity) {
		return nil, errParam(ErrorIntegrity, 1)
	}

	b := append([]byte(nil), enc...)
	key, iv := contextKeys(proof, context.Sequence, context.SavedHandle)
	if err := cryptSymmetricDecrypt(SymAlgorithmAES, key, iv, b); err != nil {
		return nil, fatal("cannot decrypt context: %w", err)
	}

	var sequence uint64
	var record []byte
	if err := mu.UnmarshalExact(b, &sequence, &record); err != nil {
		return nil, fatal("cannot unmarshal context: %w", err)
	}
	if sequence != context.Sequence {
		return nil, fatal("context fingerprint mismatch")
	}
	return record, nil
}

// contextGap returns the distance between the next session context ID and
// the oldest saved session, and the handle of that session. The distance is
// 0 if there are no saved sessions.
func (t *TPM) contextGap() (int, Handle) {
	gap := 0
	oldest := HandleNull
	next := uint8(t.gr.ContextCounter)
	for i, e := range t.gr.ContextArray {
		if e&contextSaved == 0 {
			continue
		}
		d := int(next - uint8(e))
		if d == 0 {
			d = 256
		}
		if d > gap {
			gap = d
			oldest = Handle(i)
		}
	}
	return gap, oldest
}

// checkSessionSlot checks that a session can be placed in the last free
// session slot. Once the context gap is at the limit, the last slot is kept
// for the oldest saved session so that it can be loaded and saved again with a
// new context ID.
func (t *TPM) checkSessionSlot(loading Handle) error {
	free := 0
	for _, s := range t.sessions {
		if s == nil {
			free++
		}
	}
	if free != 1 {
		return nil
	}
	gap, oldest := t.contextGap()
	if gap < t.cfg.ContextGapMax {
		return nil
	}
	if i := t.sessionIndex(loading); i >= 0 && Handle(i) == oldest {
		return nil
	}
	return warn(WarningContextGap)
}

func contextHandleFor(obj *object) Handle {
	switch {
	case obj.isSequence():
		return contextHandleSequence
	case obj.Public.Attrs&AttrStClear != 0:
		return contextHandleStClear
	default:
		return contextHandleObject
	}
}

// ContextSave corresponds to the TPM2_ContextSave command. A saved object
// remains loaded. A saved session is unloaded, but its handle remains
// reserved until the context is loaded or flushed.
func (t *TPM) ContextSave(saveHandle Handle) (context *Context, err error) {
	err = t.run(CommandContextSave, func() error {
		switch saveHandle.Kind() {
		case KindTransient:
			obj := t.objectGet(saveHandle)
			if obj == nil {
				return warn(WarningReferenceH0)
			}
			data := obj.objectData
			if obj.isSequence() {
				state, err := obj.sequenceState()
				if err != nil {
					return err
				}
				data.Sequence.State = state
			}
			record, err := mu.MarshalToBytes(&data)
			if err != nil {
				return fatal("cannot marshal object: %w", err)
			}

			if t.gr.ObjectContextID == math.MaxUint64 {
				return fatal("object context ID overflow")
			}
			sequence := t.gr.ObjectContextID
			handle := contextHandleFor(obj)
			blob, err := t.contextProtect(t.proofFor(obj.Hierarchy), sequence, handle, record)
			if err != nil {
				return err
			}
			t.gr.ObjectContextID++

			context = &Context{Sequence: sequence, SavedHandle: handle, Hierarchy: obj.Hierarchy, Blob: blob}
		case KindHMACSession, KindPolicySession:
			s := t.sessionGet(saveHandle)
			if s == nil {
				return warn(WarningReferenceH0)
			}
			if t.gr.ContextCounter == math.MaxUint64 {
				return errCode(ErrorTooManyContexts)
			}
			if gap, _ := t.contextGap(); gap > t.cfg.ContextGapMax {
				return warn(WarningContextGap)
			}
			record, err := mu.MarshalToBytes(&s.sessionData)
			if err != nil {
				return fatal("cannot marshal session: %w", err)
			}

			sequence := t.gr.ContextCounter
			blob, err := t.contextProtect(t.gr.NullProof, sequence, saveHandle, record)
			if err != nil {
				return err
			}
			t.gr.ContextCounter++

			i := t.sessionIndex(saveHandle)
			t.sessions[t.gr.ContextArray[i]-1] = nil
			t.gr.ContextArray[i] = contextSaved | uint16(uint8(sequence))

			context = &Context{Sequence: sequence, SavedHandle: saveHandle, Hierarchy: HandleNull, Blob: blob}
		default:
			return errHandle(ErrorValue, 1)
		}

		t.log.WithFields(logrus.Fields{
			"handle":   saveHandle,
			"sequence": context.Sequence}).Debug("context saved")
		return nil
	})
	return context, err
}

// ContextLoad corresponds to the TPM2_ContextLoad command. A context can only
// be loaded while its hierarchy proof is unchanged, and no context survives a
// TPM Reset. Contexts for objects with the stClear attribute don't survive a
// TPM Restart either.
func (t *TPM) ContextLoad(context *Context) (loadedHandle Handle, err error) {
	err = t.run(CommandContextLoad, func() error {
		if context == nil {
			return errParam(ErrorSize, 1)
		}

		var proof []byte
		switch context.SavedHandle.Kind() {
		case KindTransient:
			switch context.SavedHandle {
			case contextHandleObject, contextHandleSequence, contextHandleStClear:
			default:
				return errParam(ErrorHandle, 1)
			}
			if !isHierarchy(context.Hierarchy) {
				return errParam(ErrorHierarchy, 1)
			}
			if err := t.checkHierarchy(context.Hierarchy); err != nil {
				return asParam(err, 1)
			}
			proof = t.proofFor(context.Hierarchy)
		case KindHMACSession, KindPolicySession:
			if context.Hierarchy != HandleNull {
				return errParam(ErrorHierarchy, 1)
			}
			if t.sessionIndex(context.SavedHandle) < 0 {
				return errParam(ErrorHandle, 1)
			}
			proof = t.gr.NullProof
		default:
			return errParam(ErrorHandle, 1)
		}

		record, err := t.contextUnprotect(proof, context)
		if err != nil {
			return err
		}

		if context.SavedHandle.Kind().IsSession() {
			e := t.gr.ContextArray[t.sessionIndex(context.SavedHandle)]
			if e&contextSaved == 0 || uint8(e) != uint8(context.Sequence) {
				return errParam(ErrorHandle, 1)
			}
			if t.freeSessionSlot() < 0 {
				return warn(WarningSessionMemory)
			}
			if err := t.checkSessionSlot(context.SavedHandle); err != nil {
				return err
			}
		}

		if context.SavedHandle.Kind() == KindTransient {
			obj := new(object)
			if err := mu.UnmarshalExact(record, &obj.objectData); err != nil {
				return fatal("cannot unmarshal object: %w", err)
			}
			if obj.isSequence() {
				if err := obj.restoreSequenceState(); err != nil {
					return err
				}
			}
			h, err := t.objectInsert(obj)
			if err != nil {
				return err
			}
			loadedHandle = h
		} else {
			s := &session{handle: context.SavedHandle}
			if err := mu.UnmarshalExact(record, &s.sessionData); err != nil {
				return fatal("cannot unmarshal session: %w", err)
			}
			slot := t.freeSessionSlot()
			t.sessions[slot] = s
			t.gr.ContextArray[t.sessionIndex(s.handle)] = uint16(slot) + 1
			loadedHandle = s.handle
		}

		t.log.WithFields(logrus.Fields{
			"handle":   loadedHandle,
			"sequence": context.Sequence}).Debug("context loaded")
		return nil
	})
	return loadedHandle, err
}

// FlushContext corresponds to the TPM2_FlushContext command. It removes a
// loaded object, or a loaded or saved session.
func (t *TPM) FlushContext(flushHandle Handle) error {
	return t.run(CommandFlushContext, func() error {
		switch flushHandle.Kind() {
		case KindTransient:
			if t.objectGet(flushHandle) == nil {
				return errParam(ErrorHandle, 1)
			}
			t.objectFlush(flushHandle)
		case KindHMACSession, KindPolicySession:
			if t.sessionGet(flushHandle) == nil && !t.sessionIsSaved(flushHandle) {
				return errParam(ErrorHandle, 1)
			}
			t.sessionFlush(flushHandle)
		default:
			return errParam(ErrorValue, 1)
		}
		return nil
	})
}
