// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"bytes"
	"hash"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/canonical/go-swtpm/mu"
)

const maxSealedDataSize = 128

// sequenceData is the state of a hash or HMAC sequence object.
type sequenceData struct {
	HashAlg    HashAlgorithmId
	IsHMAC     bool
	HMACKey    []byte
	TicketSafe bool
	FirstBlock bool

	// State is the marshalled digest state. It is only populated in a saved
	// context.
	State []byte
}

// objectData is the part of a loaded object that is saved in a context blob.
type objectData struct {
	Public     Public
	Sensitive  Sensitive
	Hierarchy  Handle
	PublicOnly bool

	IsSequence bool
	Sequence   sequenceData
}

type object struct {
	objectData
	name Name

	// hash is the running digest of a sequence object.
	hash hash.Hash
}

func (o *object) isSequence() bool {
	return o.IsSequence
}

func (o *object) isStorageParent() bool {
	return !o.PublicOnly && !o.isSequence() && o.Public.IsStorageParent()
}

// objectGet returns the loaded object with the specified handle, or nil.
func (t *TPM) objectGet(h Handle) *object {
	if h.Kind() != KindTransient {
		return nil
	}
	i := int(h - transientFirst)
	if i < 0 || i >= len(t.objects) {
		return nil
	}
	return t.objects[i]
}

// objectInsert loads obj into a free slot and returns its handle. The name
// of a sequence object is its handle.
func (t *TPM) objectInsert(obj *object) (Handle, error) {
	for i, o := range t.objects {
		if o != nil {
			continue
		}
		h := transientFirst + Handle(i)
		if obj.isSequence() {
			obj.name = handleName(h)
		} else if obj.name == nil {
			name, err := obj.Public.Name()
			if err != nil {
				return HandleNull, fatal("cannot compute object name: %w", err)
			}
			obj.name = name
		}
		t.objects[i] = obj
		return h, nil
	}
	return HandleNull, warn(WarningObjectMemory)
}

func (t *TPM) objectFlush(h Handle) {
	if i := int(h - transientFirst); h.Kind() == KindTransient && i < len(t.objects) {
		t.objects[i] = nil
	}
}

// checkPublic checks the consistency of a public area. Errors are returned
// without a parameter index.
func checkPublic(pub *Public) error {
	if !pub.NameAlg.IsValid() {
		return errCode(ErrorHash)
	}
	attrs := pub.Attrs
	if attrs&attrReserved != 0 {
		return errCode(ErrorReservedBits)
	}
	if attrs&AttrFixedTPM != 0 && attrs&AttrFixedParent == 0 {
		return errCode(ErrorAttributes)
	}
	if len(pub.AuthPolicy) != 0 && len(pub.AuthPolicy) != pub.NameAlg.Size() {
		return errCode(ErrorSize)
	}

	sign := attrs&AttrSign != 0
	decrypt := attrs&AttrDecrypt != 0
	restricted := attrs&AttrRestricted != 0
	if sign && decrypt && restricted {
		return errCode(ErrorAttributes)
	}

	switch pub.Type {
	case ObjectTypeKeyedHash:
		switch {
		case sign && decrypt:
			return errCode(ErrorAttributes)
		case sign:
			switch pub.Params.Scheme.Scheme {
			case SigSchemeAlgHMAC:
				if !pub.Params.Scheme.Hash.IsValid() {
					return errCode(ErrorHash)
				}
			case SigSchemeAlgNull:
				if restricted {
					return errCode(ErrorScheme)
				}
			default:
				return errCode(ErrorScheme)
			}
		case decrypt:
			// Derivation parents and XOR keys are not supported.
			return errCode(ErrorAttributes)
		default:
			if restricted {
				return errCode(ErrorAttributes)
			}
			if pub.Params.Scheme.Scheme != SigSchemeAlgNull {
				return errCode(ErrorScheme)
			}
		}
	case ObjectTypeSymCipher:
		if sign || !decrypt {
			return errCode(ErrorAttributes)
		}
		if pub.Params.Symmetric.IsNull() {
			return errCode(ErrorSymmetric)
		}
		return pub.Params.Symmetric.check()
	case ObjectTypeECC:
		if pub.Params.CurveID.GoCurve() == nil {
			return errCode(ErrorCurve)
		}
		switch {
		case sign && decrypt:
			return errCode(ErrorAttributes)
		case sign:
			if !pub.Params.Symmetric.IsNull() {
				return errCode(ErrorSymmetric)
			}
			switch pub.Params.Scheme.Scheme {
			case SigSchemeAlgECDSA:
				if !pub.Params.Scheme.Hash.IsValid() {
					return errCode(ErrorHash)
				}
			case SigSchemeAlgNull:
				if restricted {
					return errCode(ErrorScheme)
				}
			default:
				return errCode(ErrorScheme)
			}
		case decrypt:
			if !restricted {
				return errCode(ErrorAttributes)
			}
			if pub.Params.Scheme.Scheme != SigSchemeAlgNull {
				return errCode(ErrorScheme)
			}
			if pub.Params.Symmetric.IsNull() {
				return errCode(ErrorSymmetric)
			}
			return pub.Params.Symmetric.check()
		default:
			return errCode(ErrorAttributes)
		}
	case ObjectTypeRSA:
		switch pub.Params.KeyBits {
		case 1024, 2048, 3072, 4096:
		default:
			return errCode(ErrorKeySize)
		}
		if !sign || decrypt {
			return errCode(ErrorAttributes)
		}
		switch pub.Params.Scheme.Scheme {
		case SigSchemeAlgRSASSA, SigSchemeAlgRSAPSS:
			if !pub.Params.Scheme.Hash.IsValid() {
				return errCode(ErrorHash)
			}
		case SigSchemeAlgNull:
		default:
			return errCode(ErrorScheme)
		}
		if !pub.Params.Symmetric.IsNull() {
			return errCode(ErrorSymmetric)
		}
	default:
		return errCode(ErrorType)
	}
	return nil
}

// checkPublicUnique checks that the unique field of an externally supplied
// public area is consistent with its type.
func checkPublicUnique(pub *Public) error {
	switch pub.Type {
	case ObjectTypeKeyedHash, ObjectTypeSymCipher:
		if len(pub.Unique.Data) != pub.NameAlg.Size() {
			return errCode(ErrorSize)
		}
	case ObjectTypeRSA:
		if len(pub.Unique.Data) != int(pub.Params.KeyBits)/8 {
			return errCode(ErrorKey)
		}
	case ObjectTypeECC:
		if _, err := pub.PublicKey(); err != nil {
			return errCode(ErrorECCPoint)
		}
	}
	return nil
}

// checkParentAttrs checks the attributes of an object that will be created
// or loaded under a parent. parentFixedTPM is true for primary objects.
func checkParentAttrs(pub *Public, parentFixedTPM bool) error {
	if pub.Attrs&AttrFixedParent != 0 && (pub.Attrs&AttrFixedTPM != 0) != parentFixedTPM {
		return errCode(ErrorAttributes)
	}
	return nil
}

// SensitiveCreate corresponds to the TPMS_SENSITIVE_CREATE type.
type SensitiveCreate struct {
	UserAuth Auth
	Data     []byte
}

// createSensitive generates the sensitive area for a new object from the
// template pub, filling in the unique field of pub. Errors are indexed for
// commands where inSensitive is parameter 1 and inPublic is parameter 2.
func createSensitive(pub *Public, in *SensitiveCreate, rand io.Reader) (*Sensitive, error) {
	if in == nil {
		in = &SensitiveCreate{}
	}
	authValue := trimTrailingZeros(in.UserAuth)
	if len(authValue) > pub.NameAlg.Size() {
		return nil, errParam(ErrorSize, 1)
	}

	read := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(rand, b); err != nil {
			return nil, fatal("cannot read random bytes: %w", err)
		}
		return b, nil
	}

	sens := &Sensitive{Type: pub.Type, AuthValue: append(Auth(nil), authValue...)}
	sdo := pub.Attrs&AttrSensitiveDataOrigin != 0
	hasData := len(in.Data) > 0

	switch pub.Type {
	case ObjectTypeKeyedHash, ObjectTypeSymCipher:
		var keySize int
		switch {
		case pub.Type == ObjectTypeSymCipher:
			keySize = int(pub.Params.Symmetric.KeyBits) / 8
		case pub.Attrs&AttrSign != 0:
			keySize = pub.Params.Scheme.Hash.Size()
			if pub.Params.Scheme.Scheme == SigSchemeAlgNull {
				keySize = pub.NameAlg.Size()
			}
		default:
			// Sealed data object.
			if sdo {
				return nil, errParam(ErrorAttributes, 2)
			}
			if len(in.Data) > maxSealedDataSize {
				return nil, errParam(ErrorSize, 1)
			}
		}

		switch {
		case keySize == 0:
			sens.Sensitive = append([]byte(nil), in.Data...)
		case hasData:
			if sdo {
				return nil, errParam(ErrorAttributes, 2)
			}
			if pub.Type == ObjectTypeSymCipher && len(in.Data) != keySize {
				return nil, errParam(ErrorSize, 1)
			}
			if len(in.Data) > maxSealedDataSize {
				return nil, errParam(ErrorSize, 1)
			}
			sens.Sensitive = append([]byte(nil), in.Data...)
		default:
			if !sdo {
				return nil, errParam(ErrorAttributes, 2)
			}
			key, err := read(keySize)
			if err != nil {
				return nil, err
			}
			sens.Sensitive = key
		}

		seed, err := read(pub.NameAlg.Size())
		if err != nil {
			return nil, err
		}
		sens.SeedValue = seed
		pub.Unique = PublicID{Data: cryptDigest(pub.NameAlg, sens.SeedValue, sens.Sensitive)}
	case ObjectTypeECC:
		if hasData {
			return nil, errParam(ErrorValue, 1)
		}
		if !sdo {
			return nil, errParam(ErrorAttributes, 2)
		}
		curve := pub.Params.CurveID.GoCurve()
		key, err := newECCKey(curve, rand)
		if err != nil {
			return nil, fatal("cannot create ECC key: %w", err)
		}
		sens.Sensitive = eccFieldBytes(curve, key.D)
		pub.Unique = PublicID{
			X: eccFieldBytes(curve, key.X),
			Y: eccFieldBytes(curve, key.Y)}
		if pub.IsStorageParent() {
			seed, err := read(pub.NameAlg.Size())
			if err != nil {
				return nil, err
			}
			sens.SeedValue = seed
		}
	default:
		// Only public RSA keys can be loaded.
		return nil, errParam(ErrorType, 2)
	}

	return sens, nil
}

// checkBinding checks that the sensitive area of an object matches its public
// area. Errors are returned without an index.
func checkBinding(pub *Public, sens *Sensitive) error {
	if sens.Type != pub.Type {
		return errCode(ErrorType)
	}
	if len(sens.AuthValue) > pub.NameAlg.Size() {
		return errCode(ErrorSize)
	}

	switch pub.Type {
	case ObjectTypeKeyedHash, ObjectTypeSymCipher:
		if pub.Type == ObjectTypeSymCipher && len(sens.Sensitive) != int(pub.Params.Symmetric.KeyBits)/8 {
			return errCode(ErrorKeySize)
		}
		if len(sens.SeedValue) != pub.NameAlg.Size() {
			return errCode(ErrorKeySize)
		}
		if !bytes.Equal(cryptDigest(pub.NameAlg, sens.SeedValue, sens.Sensitive), pub.Unique.Data) {
			return errCode(ErrorBinding)
		}
	case ObjectTypeECC:
		key, err := eccPrivateKey(pub, sens.Sensitive)
		if err != nil {
			return err
		}
		curve := key.Curve
		if !bytes.Equal(eccFieldBytes(curve, key.X), pub.Unique.X) || !bytes.Equal(eccFieldBytes(curve, key.Y), pub.Unique.Y) {
			return errCode(ErrorBinding)
		}
		if pub.IsStorageParent() && len(sens.SeedValue) != pub.NameAlg.Size() {
			return errCode(ErrorKeySize)
		}
	default:
		return errCode(ErrorType)
	}
	return nil
}

func copyPublic(pub *Public) *Public {
	out := *pub
	out.AuthPolicy = append(Digest(nil), pub.AuthPolicy...)
	out.Unique = PublicID{
		Data: append([]byte(nil), pub.Unique.Data...),
		X:    append([]byte(nil), pub.Unique.X...),
		Y:    append([]byte(nil), pub.Unique.Y...)}
	return &out
}

// checkParent returns the loaded storage parent with the specified handle.
func (t *TPM) checkParent(h Handle) (*object, error) {
	obj := t.objectGet(h)
	if obj == nil || !obj.isStorageParent() {
		return nil, errHandle(ErrorType, 1)
	}
	return obj, nil
}

// CreatePrimary corresponds to the TPM2_CreatePrimary command. The object is
// derived deterministically from the hierarchy's primary seed and the
// template, so the same template always produces the same object until the
// seed changes.
func (t *TPM) CreatePrimary(primaryHandle Handle, inSensitive *SensitiveCreate, inPublic *Public, session *AuthCommand) (objectHandle Handle, outPublic *Public, name Name, err error) {
	err = t.run(CommandCreatePrimary, func() error {
		if !isHierarchy(primaryHandle) {
			return errHandle(ErrorValue, 1)
		}
		if inPublic == nil {
			return errParam(ErrorSize, 2)
		}

		cmd := &command{
			code:    CommandCreatePrimary,
			handles: []Handle{primaryHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{inSensitive, inPublic}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		if err := checkPublic(inPublic); err != nil {
			return asParam(err, 2)
		}
		if err := checkParentAttrs(inPublic, true); err != nil {
			return asParam(err, 2)
		}

		template, err := mu.MarshalToBytes(inPublic)
		if err != nil {
			return errParam(ErrorValue, 2)
		}
		rng, err := primaryRand(inPublic.NameAlg, t.seedFor(primaryHandle), template)
		if err != nil {
			return fatal("cannot derive primary object: %w", err)
		}

		pub := copyPublic(inPublic)
		sens, err := createSensitive(pub, inSensitive, rng)
		if err != nil {
			return err
		}

		obj := &object{objectData: objectData{Public: *pub, Sensitive: *sens, Hierarchy: primaryHandle}}
		h, err := t.objectInsert(obj)
		if err != nil {
			return err
		}

		t.log.WithFields(logrus.Fields{
			"handle":    h,
			"hierarchy": primaryHandle,
			"type":      pub.Type}).Debug("primary object created")
		objectHandle = h
		outPublic = copyPublic(pub)
		name = append(Name(nil), obj.name...)
		t.completeAuth(cmd)
		return nil
	})
	return objectHandle, outPublic, name, err
}

// Create corresponds to the TPM2_Create command. It returns the private and
// public areas of a new object protected by the storage parent, which can be
// loaded with Load.
func (t *TPM) Create(parentHandle Handle, inSensitive *SensitiveCreate, inPublic *Public, session *AuthCommand) (outPrivate Private, outPublic *Public, err error) {
	err = t.run(CommandCreate, func() error {
		cmd := &command{
			code:    CommandCreate,
			handles: []Handle{parentHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{inSensitive, inPublic}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		parent, err := t.checkParent(parentHandle)
		if err != nil {
			return err
		}
		if inPublic == nil {
			return errParam(ErrorSize, 2)
		}

		if err := checkPublic(inPublic); err != nil {
			return asParam(err, 2)
		}
		if err := checkParentAttrs(inPublic, parent.Public.Attrs&AttrFixedTPM != 0); err != nil {
			return asParam(err, 2)
		}

		pub := copyPublic(inPublic)
		sens, err := createSensitive(pub, inSensitive, t.rand)
		if err != nil {
			return err
		}
		name, err := pub.Name()
		if err != nil {
			return fatal("cannot compute object name: %w", err)
		}
		priv, err := t.sensitiveToPrivate(sens, name, parent)
		if err != nil {
			return err
		}

		outPrivate = priv
		outPublic = pub
		t.completeAuth(cmd)
		return nil
	})
	return outPrivate, outPublic, err
}

// Load corresponds to the TPM2_Load command. The object is loaded into the
// parent's hierarchy.
func (t *TPM) Load(parentHandle Handle, inPrivate Private, inPublic *Public, session *AuthCommand) (objectHandle Handle, name Name, err error) {
	err = t.run(CommandLoad, func() error {
		cmd := &command{
			code:    CommandLoad,
			handles: []Handle{parentHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{inPrivate, inPublic}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}
		parent, err := t.checkParent(parentHandle)
		if err != nil {
			return err
		}
		if inPublic == nil {
			return errParam(ErrorSize, 2)
		}

		if err := checkPublic(inPublic); err != nil {
			return asParam(err, 2)
		}
		if err := checkParentAttrs(inPublic, parent.Public.Attrs&AttrFixedTPM != 0); err != nil {
			return asParam(err, 2)
		}
		objName, err := inPublic.Name()
		if err != nil {
			return errParam(ErrorValue, 2)
		}

		sens, err := t.privateToSensitive(inPrivate, objName, parent)
		if err != nil {
			return asParam(err, 1)
		}
		if err := checkBinding(inPublic, sens); err != nil {
			return asParam(err, 2)
		}

		obj := &object{
			objectData: objectData{Public: *copyPublic(inPublic), Sensitive: *sens, Hierarchy: parent.Hierarchy},
			name:       objName}
		h, err := t.objectInsert(obj)
		if err != nil {
			return err
		}

		objectHandle = h
		name = append(Name(nil), objName...)
		t.completeAuth(cmd)
		return nil
	})
	return objectHandle, name, err
}

// LoadExternal corresponds to the TPM2_LoadExternal command. If inPrivate is
// nil, only the public area is loaded. An object with a sensitive area can
// only be loaded into the null hierarchy.
func (t *TPM) LoadExternal(inPrivate *Sensitive, inPublic *Public, hierarchy Handle) (objectHandle Handle, name Name, err error) {
	err = t.run(CommandLoadExternal, func() error {
		if inPublic == nil {
			return errParam(ErrorSize, 2)
		}
		if !isHierarchy(hierarchy) {
			return errParam(ErrorValue, 3)
		}
		if err := t.checkHierarchy(hierarchy); err != nil {
			return asParam(err, 3)
		}
		if inPrivate != nil {
			if hierarchy != HandleNull {
				return errParam(ErrorHierarchy, 3)
			}
			if inPublic.Attrs&(AttrFixedTPM|AttrFixedParent) != 0 {
				return errParam(ErrorAttributes, 2)
			}
		}

		if err := checkPublic(inPublic); err != nil {
			return asParam(err, 2)
		}
		if inPrivate == nil {
			if err := checkPublicUnique(inPublic); err != nil {
				return asParam(err, 2)
			}
		} else if err := checkBinding(inPublic, inPrivate); err != nil {
			return asParam(err, 1)
		}

		obj := &object{objectData: objectData{
			Public:     *copyPublic(inPublic),
			Hierarchy:  hierarchy,
			PublicOnly: inPrivate == nil}}
		if inPrivate != nil {
			obj.Sensitive = *inPrivate
			obj.Sensitive.AuthValue = append(Auth(nil), trimTrailingZeros(inPrivate.AuthValue)...)
		}
		h, err := t.objectInsert(obj)
		if err != nil {
			return err
		}

		objectHandle = h
		name = append(Name(nil), obj.name...)
		return nil
	})
	return objectHandle, name, err
}

// ReadPublic corresponds to the TPM2_ReadPublic command.
func (t *TPM) ReadPublic(objectHandle Handle) (outPublic *Public, name Name, err error) {
	err = t.run(CommandReadPublic, func() error {
		obj := t.objectGet(objectHandle)
		if obj == nil {
			if objectHandle.Kind() == KindTransient {
				return warn(WarningReferenceH0)
			}
			return errHandle(ErrorHandle, 1)
		}
		if obj.isSequence() {
			return errHandle(ErrorSequence, 1)
		}
		outPublic = copyPublic(&obj.Public)
		name = append(Name(nil), obj.name...)
		return nil
	})
	return outPublic, name, err
}

// ObjectChangeAuth corresponds to the TPM2_ObjectChangeAuth command. It
// returns a new private area for the object with the new authorization
// value. The loaded object is not changed.
func (t *TPM) ObjectChangeAuth(objectHandle, parentHandle Handle, newAuth Auth, session *AuthCommand) (outPrivate Private, err error) {
	err = t.run(CommandObjectChangeAuth, func() error {
		cmd := &command{
			code:    CommandObjectChangeAuth,
			handles: []Handle{objectHandle, parentHandle},
			roles:   []authRole{roleAdmin},
			params:  []interface{}{newAuth}}
		if err := t.authorize(cmd, session); err != nil {
			return err
		}

		obj := t.objectGet(objectHandle)
		if obj == nil || obj.isSequence() || obj.PublicOnly {
			return errHandle(ErrorType, 1)
		}
		parent := t.objectGet(parentHandle)
		if parent == nil || !parent.isStorageParent() {
			if parentHandle.Kind() == KindTransient && parent == nil {
				return warn(WarningReferenceH0 + 1)
			}
			return errHandle(ErrorType, 2)
		}

		newAuth = trimTrailingZeros(newAuth)
		if len(newAuth) > obj.Public.NameAlg.Size() {
			return errParam(ErrorSize, 1)
		}

		sens := obj.Sensitive
		sens.AuthValue = append(Auth(nil), newAuth...)
		priv, err := t.sensitiveToPrivate(&sens, obj.name, parent)
		if err != nil {
			return err
		}

		outPrivate = priv
		t.completeAuth(cmd)
		return nil
	})
	return outPrivate, err
}
