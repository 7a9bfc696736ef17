// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/sirupsen/logrus"
)

// checkDuplicationSym checks the symmetric algorithm used for the inner wrap
// of a duplication blob, and the supplied key for it.
func checkDuplicationSym(sym *SymDefObject, key Data, keyIndex, symIndex int, allowEmptyKey bool) error {
	if err := sym.check(); err != nil {
		return asParam(err, symIndex)
	}
	if sym.IsNull() {
		if len(key) > 0 {
			return errParam(ErrorSize, keyIndex)
		}
		return nil
	}
	if len(key) == 0 && allowEmptyKey {
		return nil
	}
	if len(key) != int(sym.KeyBits)/8 {
		return errParam(ErrorSize, keyIndex)
	}
	return nil
}

// Duplicate corresponds to the TPM2_Duplicate command. The object's
// sensitive area is protected with an optional inner wrap using symmetricAlg
// and encryptionKeyIn, and an outer wrap for newParentHandle using a fresh
// seed that is returned in outSymSeed. No outer wrap is applied if
// newParentHandle is HandleNull. If symmetricAlg is not null and no key is
// supplied, one is generated and returned in encryptionKeyOut.
//
// Authorization of objectHandle is with the DUP role, which requires a policy
// session.
func (t *TPM) Duplicate(objectHandle, newParentHandle Handle, encryptionKeyIn Data, symmetricAlg *SymDefObject, session *AuthCommand) (encryptionKeyOut Data, duplicate Private, outSymSeed EncryptedSecret, err error) {
	err = t.run(CommandDuplicate, func() error {
		cmd := &command{
			code:    CommandDuplicate,
			handles: []Handle{objectHandle, newParentHandle},
			roles:   []authRole{roleDup},
			params:  []interface{}{encryptionKeyIn, symmetricAlg}}
		if newParentHandle != HandleNull {
			if err := t.entityGetLoadStatus(newParentHandle); err != nil {
				if IsTPMWarning(err, WarningReferenceH0, AnyCommandCode) {
					return warn(WarningReferenceH0 + 1)
				}
				return asHandle(err, 2)
			}
		}
		if symmetricAlg == nil {
			symmetricAlg = &SymDefObject{Algorithm: SymObjectAlgorithmNull}
		}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		obj := t.objectGet(objectHandle)
		switch {
		case obj == nil || obj.isSequence() || obj.PublicOnly:
			return errHandle(ErrorType, 1)
		case obj.Public.Attrs&AttrFixedParent != 0:
			return errHandle(ErrorAttributes, 1)
		}

		var newParent *object
		if newParentHandle != HandleNull {
			newParent = t.objectGet(newParentHandle)
			if newParent == nil || !newParent.isStorageParent() {
				return errHandle(ErrorType, 2)
			}
		}

		if obj.Public.Attrs&AttrEncryptedDuplication != 0 {
			if symmetricAlg.IsNull() {
				return errParam(ErrorSymmetric, 2)
			}
			if newParent == nil {
				return errHandle(ErrorHierarchy, 2)
			}
		}
		if err := checkDuplicationSym(symmetricAlg, encryptionKeyIn, 1, 2, true); err != nil {
			return err
		}

		params := &wrapParams{
			name:     obj.name,
			innerAlg: obj.Public.NameAlg,
			innerSym: symmetricAlg,
			innerKey: encryptionKeyIn}
		if !symmetricAlg.IsNull() && len(encryptionKeyIn) == 0 {
			params.innerKey = t.random(int(symmetricAlg.KeyBits) / 8)
			encryptionKeyOut = Data(params.innerKey)
		}
		if newParent != nil {
			seed := t.random(newParent.Public.NameAlg.Size())
			params.outer = &protector{
				nameAlg:   newParent.Public.NameAlg,
				symmetric: newParent.Public.Params.Symmetric,
				seed:      seed}
			outSymSeed = EncryptedSecret(seed)
		}

		b, err := t.wrapSensitive(&obj.Sensitive, params)
		if err != nil {
			return err
		}
		duplicate = b

		t.log.WithFields(logrus.Fields{
			"handle":    objectHandle,
			"newParent": newParentHandle,
			"inner":     !symmetricAlg.IsNull()}).Debug("object duplicated")
		t.completeAuth(cmd)
		return nil
	})
	return encryptionKeyOut, duplicate, outSymSeed, err
}

// Import corresponds to the TPM2_Import command. It unwraps a duplication
// blob created by Duplicate and returns a private area protected by
// parentHandle that can be loaded with Load. The outer wrap is only removed
// if inSymSeed is not empty, and the inner wrap is only removed if
// symmetricAlg is not null.
func (t *TPM) Import(parentHandle Handle, encryptionKey Data, objectPublic *Public, duplicate Private, inSymSeed EncryptedSecret, symmetricAlg *SymDefObject, session *AuthCommand) (outPrivate Private, err error) {
	err = t.run(CommandImport, func() error {
		if symmetricAlg == nil {
			symmetricAlg = &SymDefObject{Algorithm: SymObjectAlgorithmNull}
		}
		cmd := &command{
			code:    CommandImport,
			handles: []Handle{parentHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{encryptionKey, objectPublic, duplicate, inSymSeed, symmetricAlg}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		parent, err := t.checkParent(parentHandle)
		if err != nil {
			return err
		}
		if objectPublic == nil {
			return errParam(ErrorSize, 2)
		}

		if err := checkPublic(objectPublic); err != nil {
			return asParam(err, 2)
		}
		if objectPublic.Attrs&(AttrFixedTPM|AttrFixedParent) != 0 {
			return errParam(ErrorAttributes, 2)
		}
		if objectPublic.Attrs&AttrEncryptedDuplication != 0 {
			if symmetricAlg.IsNull() {
				return errParam(ErrorAttributes, 5)
			}
			if len(inSymSeed) == 0 {
				return errParam(ErrorAttributes, 4)
			}
		}
		if err := checkDuplicationSym(symmetricAlg, encryptionKey, 1, 5, false); err != nil {
			return err
		}
		if len(inSymSeed) > 0 && len(inSymSeed) != parent.Public.NameAlg.Size() {
			return errParam(ErrorValue, 4)
		}

		name, err := objectPublic.Name()
		if err != nil {
			return errParam(ErrorValue, 2)
		}
		params := &wrapParams{
			name:     name,
			innerAlg: objectPublic.NameAlg,
			innerSym: symmetricAlg,
			innerKey: encryptionKey}
		if len(inSymSeed) > 0 {
			params.outer = &protector{
				nameAlg:   parent.Public.NameAlg,
				symmetric: parent.Public.Params.Symmetric,
				seed:      inSymSeed}
		}
		sens, err := unwrapSensitive(duplicate, params)
		if err != nil {
			return asParam(err, 3)
		}
		if err := checkBinding(objectPublic, sens); err != nil {
			return asParam(err, 2)
		}

		priv, err := t.sensitiveToPrivate(sens, name, parent)
		if err != nil {
			return err
		}
		outPrivate = priv
		t.completeAuth(cmd)
		return nil
	})
	return outPrivate, err
}
