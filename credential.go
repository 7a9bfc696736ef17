// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/canonical/go-swtpm/mu"
)

func (t *TPM) credentialKey(h Handle, index int) (*object, error) {
	obj := t.objectGet(h)
	if obj == nil {
		if h.Kind() == KindTransient {
			return nil, warn(WarningReferenceH0 + WarningCode(index-1))
		}
		return nil, errHandle(ErrorHandle, index)
	}
	if !obj.isStorageParent() {
		return nil, errHandle(ErrorType, index)
	}
	return obj, nil
}

func credentialProtector(key *object, seed []byte) *protector {
	return &protector{
		nameAlg:   key.Public.NameAlg,
		symmetric: key.Public.Params.Symmetric,
		seed:      seed}
}

// MakeCredential corresponds to the TPM2_MakeCredential command. The
// credential is protected for the object with the name objectName, using a
// fresh seed bound to the storage key handle. The seed is returned in the
// clear in secret.
//
// The credential blob has an outer wrap without an IV:
//
//	[2B integrity][encrypted 2B credential]
func (t *TPM) MakeCredential(handle Handle, credential Digest, objectName Name) (credentialBlob IDObject, secret EncryptedSecret, err error) {
	err = t.run(CommandMakeCredential, func() error {
		key, err := t.credentialKey(handle, 1)
		if err != nil {
			return err
		}
		if len(credential) > key.Public.NameAlg.Size() {
			return errParam(ErrorSize, 1)
		}
		if alg := objectName.Algorithm(); !alg.IsValid() || len(objectName) != alg.Size()+2 {
			return errParam(ErrorSize, 2)
		}

		b, err := mu.MarshalToBytes(credential)
		if err != nil {
			return errParam(ErrorValue, 1)
		}
		seed := t.random(key.Public.NameAlg.Size())
		blob, err := outerWrap(credentialProtector(key, seed), objectName, nil, b)
		if err != nil {
			return fatal("cannot wrap credential: %w", err)
		}

		credentialBlob = blob
		secret = seed
		return nil
	})
	return credentialBlob, secret, err
}

// ActivateCredential corresponds to the TPM2_ActivateCredential command. It
// recovers a credential created by MakeCredential for the object
// activateHandle using the storage key keyHandle. Authorization of
// activateHandle is with the ADMIN role and authorization of keyHandle is with
// the USER role.
func (t *TPM) ActivateCredential(activateHandle, keyHandle Handle, credentialBlob IDObject, secret EncryptedSecret, activateSession, keySession *AuthCommand) (certInfo Digest, err error) {
	err = t.run(CommandActivateCredential, func() error {
		cmd := &command{
			code:    CommandActivateCredential,
			handles: []Handle{activateHandle, keyHandle},
			roles:   []authRole{roleAdmin, roleUser},
			params:  []interface{}{credentialBlob, secret}}
		if err := t.authorize(cmd, activateSession, keySession); err != nil {
			return err
		}

		activate := t.objectGet(activateHandle)
		if activate == nil || activate.isSequence() {
			return errHandle(ErrorType, 1)
		}
		key, err := t.credentialKey(keyHandle, 2)
		if err != nil {
			return err
		}
		if len(secret) != key.Public.NameAlg.Size() {
			return errParam(ErrorValue, 2)
		}

		b, err := outerUnwrap(credentialProtector(key, secret), activate.name, false, credentialBlob)
		if err != nil {
			return asParam(err, 1)
		}
		var credential Digest
		if err := mu.UnmarshalExact(b, &credential); err != nil {
			return errParam(ErrorSize, 1)
		}
		if len(credential) > key.Public.NameAlg.Size() {
			return errParam(ErrorSize, 1)
		}

		certInfo = credential
		t.completeAuth(cmd)
		return nil
	})
	return certInfo, err
}
