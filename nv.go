// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm/mu"
)

// nvIndex is the stored representation of a NV index.
type nvIndex struct {
	Public    NVPublic
	AuthValue Auth
	Data      []byte
}

func (i *nvIndex) name() Name {
	n, err := i.Public.Name()
	if err != nil {
		// The name algorithm is checked when the index is defined.
		panic(err)
	}
	return n
}

func (t *TPM) nvGet(h Handle) (*nvIndex, error) {
	var idx nvIndex
	switch err := t.readRecord(nvKey(h), &idx); {
	case xerrors.Is(err, ErrNotFound):
		return nil, errCode(ErrorHandle)
	case err != nil:
		return nil, err
	}
	return &idx, nil
}

// nvGetAccessible returns the index with the specified handle if it is
// defined and its hierarchy is enabled.
func (t *TPM) nvGetAccessible(h Handle) (*nvIndex, error) {
	idx, err := t.nvGet(h)
	if err != nil {
		return nil, err
	}
	if idx.Public.Attrs&AttrNVPlatformCreate != 0 {
		if !t.gc.PHEnableNV {
			return nil, errCode(ErrorHandle)
		}
	} else if !t.gc.SHEnable {
		return nil, errCode(ErrorHandle)
	}
	return idx, nil
}

func (t *TPM) nvPut(idx *nvIndex) error {
	return t.writeRecord(nvKey(idx.Public.Index), idx)
}

func (t *TPM) nvIndices() ([]*nvIndex, error) {
	keys, err := t.store.Keys(keyNVPrefix)
	if err != nil {
		return nil, fatal("cannot enumerate NV indices: %w", err)
	}
	var out []*nvIndex
	for _, k := range keys {
		var idx nvIndex
		if err := t.readRecord(k, &idx); err != nil {
			return nil, err
		}
		out = append(out, &idx)
	}
	return out, nil
}

// nvStartup clears the per-boot lock and written state of NV indices.
func (t *TPM) nvStartup() error {
	indices, err := t.nvIndices()
	if err != nil {
		return err
	}
	for _, idx := range indices {
		attrs := idx.Public.Attrs
		if attrs&AttrNVWriteStClear != 0 && !(attrs&AttrNVWriteDefine != 0 && attrs&AttrNVWritten != 0) {
			attrs &^= AttrNVWriteLocked
		}
		attrs &^= AttrNVReadLocked
		if attrs&AttrNVClearStClear != 0 {
			attrs &^= AttrNVWritten
		}
		if attrs == idx.Public.Attrs {
			continue
		}
		idx.Public.Attrs = attrs
		if err := t.nvPut(idx); err != nil {
			return err
		}
	}
	return nil
}

func nvWriteAccessCheck(authHandle Handle, idx *nvIndex) error {
	attrs := idx.Public.Attrs
	if attrs&AttrNVWriteLocked != 0 {
		return errCode(ErrorNVLocked)
	}
	switch authHandle {
	case idx.Public.Index:
		if attrs&(AttrNVAuthWrite|AttrNVPolicyWrite) == 0 {
			return errCode(ErrorNVAuthorization)
		}
	case HandleOwner:
		if attrs&AttrNVOwnerWrite == 0 {
			return errCode(ErrorNVAuthorization)
		}
	case HandlePlatform:
		if attrs&AttrNVPPWrite == 0 {
			return errCode(ErrorNVAuthorization)
		}
	default:
		return errCode(ErrorNVAuthorization)
	}
	return nil
}

func nvReadAccessCheck(authHandle Handle, idx *nvIndex) error {
	attrs := idx.Public.Attrs
	if attrs&AttrNVReadLocked != 0 {
		return errCode(ErrorNVLocked)
	}
	switch authHandle {
	case idx.Public.Index:
		if attrs&(AttrNVAuthRead|AttrNVPolicyRead) == 0 {
			return errCode(ErrorNVAuthorization)
		}
	case HandleOwner:
		if attrs&AttrNVOwnerRead == 0 {
			return errCode(ErrorNVAuthorization)
		}
	case HandlePlatform:
		if attrs&AttrNVPPRead == 0 {
			return errCode(ErrorNVAuthorization)
		}
	default:
		return errCode(ErrorNVAuthorization)
	}
	if attrs&AttrNVWritten == 0 {
		return errCode(ErrorNVUninitialized)
	}
	return nil
}

// nvReadData implements the access and range checks shared by NVRead and
// PolicyNV.
func nvReadData(authHandle Handle, idx *nvIndex, size, offset uint16) ([]byte, error) {
	if err := nvReadAccessCheck(authHandle, idx); err != nil {
		return nil, err
	}
	if int(offset)+int(size) > len(idx.Data) {
		return nil, errCode(ErrorNVRange)
	}
	return append([]byte(nil), idx.Data[offset:int(offset)+int(size)]...), nil
}

func (t *TPM) checkNVAuthHandle(authHandle, index Handle) (*nvIndex, error) {
	if authHandle != HandleOwner && authHandle != HandlePlatform && authHandle != index {
		return nil, errHandle(ErrorHandle, 1)
	}
	if index.Type() != HandleTypeNVIndex {
		return nil, errHandle(ErrorHandle, 2)
	}
	idx, err := t.nvGetAccessible(index)
	if err != nil {
		return nil, asHandle(err, 2)
	}
	return idx, nil
}

// NVDefineSpace corresponds to the TPM2_NV_DefineSpace command.
func (t *TPM) NVDefineSpace(authHandle Handle, auth Auth, public *NVPublic, session *AuthCommand) error {
	return t.run(CommandNVDefineSpace, func() error {
		if authHandle != HandleOwner && authHandle != HandlePlatform {
			return errHandle(ErrorHierarchy, 1)
		}
		if err := t.checkHierarchy(authHandle); err != nil {
			return asHandle(err, 1)
		}

		cmd := &command{
			code:    CommandNVDefineSpace,
			handles: []Handle{authHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{auth, mu.Sized(public)}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if public.Index.Type() != HandleTypeNVIndex {
			return errParam(ErrorHandle, 2)
		}
		if !public.NameAlg.IsValid() {
			return errParam(ErrorHash, 2)
		}
		if len(auth) > public.NameAlg.Size() {
			return errParam(ErrorSize, 1)
		}
		if len(public.AuthPolicy) != 0 && len(public.AuthPolicy) != public.NameAlg.Size() {
			return errParam(ErrorSize, 2)
		}
		attrs := public.Attrs
		switch attrs.Type() {
		case NVTypeOrdinary:
			if public.Size > maxNVIndexSize {
				return errParam(ErrorSize, 2)
			}
		case NVTypeCounter:
			if public.Size != 8 {
				return errParam(ErrorSize, 2)
			}
		default:
			return errParam(ErrorAttributes, 2)
		}
		if attrs&attrNVState != 0 || attrs&attrNVWriteMask == 0 || attrs&attrNVReadMask == 0 {
			return errParam(ErrorAttributes, 2)
		}
		if (attrs&AttrNVPlatformCreate != 0) != (authHandle == HandlePlatform) {
			return errParam(ErrorAttributes, 2)
		}
		if attrs&AttrNVPolicyDelete != 0 && authHandle != HandlePlatform {
			return errParam(ErrorAttributes, 2)
		}
		if attrs&AttrNVPolicyDelete != 0 && len(public.AuthPolicy) == 0 {
			return errParam(ErrorSize, 2)
		}

		if err := t.nvCheck(); err != nil {
			return err
		}
		switch _, err := t.nvGet(public.Index); {
		case err == nil:
			return errCode(ErrorNVDefined)
		case !IsTPMError(err, ErrorHandle, AnyCommandCode):
			return err
		}
		indices, err := t.nvIndices()
		if err != nil {
			return err
		}
		if len(indices) >= maxNVIndices {
			return errCode(ErrorNVSpace)
		}

		idx := &nvIndex{
			Public:    *public,
			AuthValue: append(Auth(nil), trimTrailingZeros(auth)...),
			Data:      make([]byte, public.Size)}
		idx.Public.AuthPolicy = append(Digest(nil), public.AuthPolicy...)
		if err := t.nvPut(idx); err != nil {
			return err
		}

		t.log.WithFields(logrus.Fields{
			"handle": public.Index,
			"size":   public.Size}).Debug("NV index defined")
		t.completeAuth(cmd)
		return nil
	})
}

// NVUndefineSpace corresponds to the TPM2_NV_UndefineSpace command.
func (t *TPM) NVUndefineSpace(authHandle, index Handle, session *AuthCommand) error {
	return t.run(CommandNVUndefineSpace, func() error {
		if authHandle != HandleOwner && authHandle != HandlePlatform {
			return errHandle(ErrorHierarchy, 1)
		}
		if err := t.checkHierarchy(authHandle); err != nil {
			return asHandle(err, 1)
		}
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVUndefineSpace,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if idx.Public.Attrs&AttrNVPlatformCreate != 0 && authHandle != HandlePlatform {
			return errHandle(ErrorNVAuthorization, 1)
		}
		if idx.Public.Attrs&AttrNVPolicyDelete != 0 {
			return errHandle(ErrorAttributes, 2)
		}
		if err := t.nvCheck(); err != nil {
			return err
		}
		if err := t.store.DeleteReserved(nvKey(index)); err != nil {
			return fatal("cannot delete NV index: %w", err)
		}
		t.completeAuth(cmd)
		return nil
	})
}

// NVWrite corresponds to the TPM2_NV_Write command.
func (t *TPM) NVWrite(authHandle, index Handle, data MaxBuffer, offset uint16, session *AuthCommand) error {
	return t.run(CommandNVWrite, func() error {
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVWrite,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser},
			params:  []interface{}{data, offset}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if err := nvWriteAccessCheck(authHandle, idx); err != nil {
			return asHandle(err, 2)
		}
		if idx.Public.Attrs.Type() != NVTypeOrdinary {
			return errHandle(ErrorAttributes, 2)
		}
		if len(data) > maxNVBufferSize {
			return errParam(ErrorValue, 1)
		}
		if int(offset)+len(data) > int(idx.Public.Size) {
			return errCode(ErrorNVRange)
		}
		if idx.Public.Attrs&AttrNVWriteAll != 0 && len(data) != int(idx.Public.Size) {
			return errCode(ErrorNVRange)
		}

		if err := t.nvCheck(); err != nil {
			return err
		}
		if idx.Public.Attrs&AttrNVWritten == 0 {
			for i := range idx.Data {
				idx.Data[i] = 0xff
			}
		}
		copy(idx.Data[offset:], data)
		idx.Public.Attrs |= AttrNVWritten
		if err := t.nvPut(idx); err != nil {
			return err
		}
		t.completeAuth(cmd)
		return nil
	})
}

// NVIncrement corresponds to the TPM2_NV_Increment command.
func (t *TPM) NVIncrement(authHandle, index Handle, session *AuthCommand) error {
	return t.run(CommandNVIncrement, func() error {
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVIncrement,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if err := nvWriteAccessCheck(authHandle, idx); err != nil {
			return asHandle(err, 2)
		}
		if idx.Public.Attrs.Type() != NVTypeCounter {
			return errHandle(ErrorAttributes, 2)
		}

		if err := t.nvCheck(); err != nil {
			return err
		}
		var count uint64
		if idx.Public.Attrs&AttrNVWritten != 0 {
			count = binary.BigEndian.Uint64(idx.Data)
		}
		binary.BigEndian.PutUint64(idx.Data, count+1)
		idx.Public.Attrs |= AttrNVWritten
		if err := t.nvPut(idx); err != nil {
			return err
		}
		t.completeAuth(cmd)
		return nil
	})
}

// NVRead corresponds to the TPM2_NV_Read command.
func (t *TPM) NVRead(authHandle, index Handle, size, offset uint16, session *AuthCommand) (data MaxBuffer, err error) {
	err = t.run(CommandNVRead, func() error {
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVRead,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser},
			params:  []interface{}{size, offset}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if size > maxNVBufferSize {
			return errParam(ErrorValue, 1)
		}
		d, err := nvReadData(authHandle, idx, size, offset)
		if err != nil {
			return asHandle(err, 2)
		}
		data = d
		t.completeAuth(cmd)
		return nil
	})
	return data, err
}

// NVReadLock corresponds to the TPM2_NV_ReadLock command.
func (t *TPM) NVReadLock(authHandle, index Handle, session *AuthCommand) error {
	return t.run(CommandNVReadLock, func() error {
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVReadLock,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if idx.Public.Attrs&AttrNVReadStClear == 0 {
			return errHandle(ErrorAttributes, 2)
		}
		if err := nvReadAccessCheck(authHandle, idx); err != nil && !IsTPMError(err, ErrorNVUninitialized, AnyCommandCode) {
			return asHandle(err, 2)
		}

		if err := t.nvCheck(); err != nil {
			return err
		}
		idx.Public.Attrs |= AttrNVReadLocked
		if err := t.nvPut(idx); err != nil {
			return err
		}
		t.completeAuth(cmd)
		return nil
	})
}

// NVWriteLock corresponds to the TPM2_NV_WriteLock command.
func (t *TPM) NVWriteLock(authHandle, index Handle, session *AuthCommand) error {
	return t.run(CommandNVWriteLock, func() error {
		idx, err := t.checkNVAuthHandle(authHandle, index)
		if err != nil {
			return err
		}

		cmd := &command{
			code:    CommandNVWriteLock,
			handles: []Handle{authHandle, index},
			roles:   []authRole{roleUser}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		attrs := idx.Public.Attrs
		if attrs&(AttrNVWriteDefine|AttrNVWriteStClear) == 0 {
			return errHandle(ErrorAttributes, 2)
		}
		if err := nvWriteAccessCheck(authHandle, idx); err != nil {
			return asHandle(err, 2)
		}
		if attrs&AttrNVWriteStClear == 0 && attrs&AttrNVWritten == 0 {
			// WRITEDEFINE only locks once the index has been written.
			t.completeAuth(cmd)
			return nil
		}

		if err := t.nvCheck(); err != nil {
			return err
		}
		idx.Public.Attrs |= AttrNVWriteLocked
		if err := t.nvPut(idx); err != nil {
			return err
		}
		t.completeAuth(cmd)
		return nil
	})
}

// NVReadPublic corresponds to the TPM2_NV_ReadPublic command.
func (t *TPM) NVReadPublic(index Handle) (public *NVPublic, name Name, err error) {
	err = t.run(CommandNVReadPublic, func() error {
		if index.Type() != HandleTypeNVIndex {
			return errHandle(ErrorHandle, 1)
		}
		idx, err := t.nvGetAccessible(index)
		if err != nil {
			return asHandle(err, 1)
		}
		public = &idx.Public
		name = idx.name()
		return nil
	})
	return public, name, err
}
