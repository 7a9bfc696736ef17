// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	"crypto/hmac"
	"crypto/sha256"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
)

type objectSuite struct {
	tpmTest
}

var _ = Suite(&objectSuite{})

func (s *objectSuite) hmacWithKey(c *C, key Handle, auth Auth, data []byte) Digest {
	seq, err := s.tpm.HMACStart(key, nil, HashAlgorithmNull, PasswordAuth(auth))
	c.Assert(err, IsNil)
	result, _, err := s.tpm.SequenceComplete(seq, data, HandleNull, PasswordAuth(nil))
	c.Assert(err, IsNil)
	return result
}

// externalHMACKey returns the public and sensitive areas of an HMAC key with
// the supplied key bytes.
func externalHMACKey(key []byte, auth Auth) (*Public, *Sensitive) {
	seed := make(Digest, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	unique := sha256.New()
	unique.Write(seed)
	unique.Write(key)

	pub := hmacKeyTemplate(AttrUserWithAuth)
	pub.Attrs &^= AttrSensitiveDataOrigin
	pub.Unique = PublicID{Data: unique.Sum(nil)}
	return pub, &Sensitive{Type: ObjectTypeKeyedHash, AuthValue: auth, SeedValue: seed, Sensitive: key}
}

func (s *objectSuite) TestCreatePrimary(c *C) {
	h, pub, name, err := s.tpm.CreatePrimary(HandleOwner, nil, storageTemplate(), PasswordAuth(nil))
	c.Assert(err, IsNil)
	c.Check(h, Equals, Handle(0x80000000))
	c.Check(pub.Unique.X, HasLen, 32)
	c.Check(pub.Unique.Y, HasLen, 32)

	expectedName, err := pub.Name()
	c.Check(err, IsNil)
	c.Check(name, DeepEquals, expectedName)

	readPub, readName, err := s.tpm.ReadPublic(h)
	c.Check(err, IsNil)
	c.Check(readPub, DeepEquals, pub)
	c.Check(readName, DeepEquals, name)
}

func (s *objectSuite) TestCreatePrimaryBadAuth(c *C) {
	c.Assert(s.tpm.HierarchyChangeAuth(HandleOwner, Auth("foo"), PasswordAuth(nil)), IsNil)
	_, _, _, err := s.tpm.CreatePrimary(HandleOwner, nil, storageTemplate(), PasswordAuth(Auth("bar")))
	c.Check(IsTPMSessionError(err, ErrorBadAuth, CommandCreatePrimary, 1), Equals, true)
}

func (s *objectSuite) TestCreatePrimaryInvalidHierarchy(c *C) {
	_, _, _, err := s.tpm.CreatePrimary(HandleLockout, nil, storageTemplate(), PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorValue, CommandCreatePrimary, 1), Equals, true)
}

func (s *objectSuite) TestCreateAndLoadHMACKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, pub := s.createAndLoad(c, primary, &SensitiveCreate{UserAuth: Auth("foo")}, hmacKeyTemplate(AttrUserWithAuth))
	c.Check(key, Equals, Handle(0x80000001))
	c.Check(pub.Unique.Data, HasLen, 32)

	readPub, readName, err := s.tpm.ReadPublic(key)
	c.Check(err, IsNil)
	c.Check(readPub, DeepEquals, pub)
	c.Check(readName, DeepEquals, name)

	result1 := s.hmacWithKey(c, key, Auth("foo"), []byte("data"))
	result2 := s.hmacWithKey(c, key, Auth("foo"), []byte("data"))
	c.Check(result1, HasLen, 32)
	c.Check(result1, DeepEquals, result2)
}

func (s *objectSuite) TestCreateHMACKeyWithSuppliedKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	template := hmacKeyTemplate(AttrUserWithAuth)
	template.Attrs &^= AttrSensitiveDataOrigin
	key, _, _, _ := s.createAndLoad(c, primary, &SensitiveCreate{Data: []byte("secret key")}, template)

	h := hmac.New(sha256.New, []byte("secret key"))
	h.Write([]byte("data"))
	c.Check(s.hmacWithKey(c, key, nil, []byte("data")), DeepEquals, Digest(h.Sum(nil)))
}

func (s *objectSuite) TestCreateSealedObject(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	s.createAndLoad(c, primary, &SensitiveCreate{Data: make([]byte, 128)}, sealedTemplate(AttrUserWithAuth|AttrFixedTPM|AttrFixedParent))
}

func (s *objectSuite) TestCreateSealedObjectTooLarge(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.Create(primary, &SensitiveCreate{Data: make([]byte, 129)}, sealedTemplate(AttrUserWithAuth), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorSize, CommandCreate, 1), Equals, true)
}

func (s *objectSuite) TestCreateSealedObjectWithSensitiveDataOrigin(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.Create(primary, &SensitiveCreate{Data: []byte("foo")}, sealedTemplate(AttrUserWithAuth|AttrSensitiveDataOrigin), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorAttributes, CommandCreate, 2), Equals, true)
}

func (s *objectSuite) TestCreateSymCipher(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	template := &Public{
		Type:    ObjectTypeSymCipher,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   AttrDecrypt | AttrSensitiveDataOrigin | AttrUserWithAuth,
		Params:  PublicParams{Symmetric: SymDefObject{Algorithm: SymObjectAlgorithmAES, KeyBits: 128, Mode: SymModeCFB}}}
	s.createAndLoad(c, primary, nil, template)
}

func (s *objectSuite) TestCreateECCSigningKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	template := &Public{
		Type:    ObjectTypeECC,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   AttrSign | AttrSensitiveDataOrigin | AttrUserWithAuth,
		Params: PublicParams{
			Symmetric: SymDefObject{Algorithm: SymObjectAlgorithmNull},
			Scheme:    SigScheme{Scheme: SigSchemeAlgECDSA, Hash: HashAlgorithmSHA256},
			CurveID:   ECCCurveNIST_P256}}
	_, _, _, pub := s.createAndLoad(c, primary, nil, template)

	_, err := pub.PublicKey()
	c.Check(err, IsNil)
}

func (s *objectSuite) TestCreateRSAKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	template := &Public{
		Type:    ObjectTypeRSA,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   AttrSign | AttrSensitiveDataOrigin | AttrUserWithAuth,
		Params: PublicParams{
			Symmetric: SymDefObject{Algorithm: SymObjectAlgorithmNull},
			Scheme:    SigScheme{Scheme: SigSchemeAlgNull},
			KeyBits:   2048}}
	_, _, err := s.tpm.Create(primary, nil, template, PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorType, CommandCreate, 2), Equals, true)
}

func (s *objectSuite) TestCreateFixedTPMWithoutFixedParent(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.Create(primary, nil, hmacKeyTemplate(AttrFixedTPM), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorAttributes, CommandCreate, 2), Equals, true)
}

func (s *objectSuite) TestCreateSignAndDecrypt(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.Create(primary, nil, hmacKeyTemplate(AttrDecrypt), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorAttributes, CommandCreate, 2), Equals, true)
}

func (s *objectSuite) TestCreateUnderNonStorageParent(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, _, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	_, _, err := s.tpm.Create(key, nil, hmacKeyTemplate(0), PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorType, CommandCreate, 1), Equals, true)
}

func (s *objectSuite) TestLoadIntoParentHierarchy(c *C) {
	primary := s.createStoragePrimary(c, HandleEndorsement)
	key, _, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	context, err := s.tpm.ContextSave(key)
	c.Assert(err, IsNil)
	c.Check(context.Hierarchy, Equals, HandleEndorsement)
}

func (s *objectSuite) TestObjectMemory(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	priv, pub, err := s.tpm.Create(primary, nil, hmacKeyTemplate(AttrUserWithAuth), PasswordAuth(nil))
	c.Assert(err, IsNil)

	for i := 0; i < 2; i++ {
		_, _, err := s.tpm.Load(primary, priv, pub, PasswordAuth(nil))
		c.Assert(err, IsNil)
	}
	_, _, err = s.tpm.Load(primary, priv, pub, PasswordAuth(nil))
	c.Check(IsTPMWarning(err, WarningObjectMemory, CommandLoad), Equals, true)
}

func (s *objectSuite) TestFlushContext(c *C) {
	h := s.createStoragePrimary(c, HandleOwner)
	c.Assert(s.tpm.FlushContext(h), IsNil)

	_, _, err := s.tpm.ReadPublic(h)
	c.Check(IsTPMWarning(err, WarningReferenceH0, CommandReadPublic), Equals, true)
}

func (s *objectSuite) TestLoadExternalPublic(c *C) {
	h, name, _ := s.loadSigningKey(c, HandleOwner)

	pub, readName, err := s.tpm.ReadPublic(h)
	c.Check(err, IsNil)
	c.Check(readName, DeepEquals, name)
	expectedName, err := pub.Name()
	c.Check(err, IsNil)
	c.Check(name, DeepEquals, expectedName)

	// A public only object can't be authorized.
	_, err = s.tpm.HMACStart(h, nil, HashAlgorithmNull, PasswordAuth(nil))
	c.Check(IsTPMError(err, ErrorAuthUnavailable, CommandHMACStart), Equals, true)
}

func (s *objectSuite) TestLoadExternalRSAPublic(c *C) {
	pub := &Public{
		Type:    ObjectTypeRSA,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   AttrSign | AttrUserWithAuth,
		Params: PublicParams{
			Symmetric: SymDefObject{Algorithm: SymObjectAlgorithmNull},
			Scheme:    SigScheme{Scheme: SigSchemeAlgRSASSA, Hash: HashAlgorithmSHA256},
			KeyBits:   2048},
		Unique: PublicID{Data: make([]byte, 256)}}
	_, _, err := s.tpm.LoadExternal(nil, pub, HandleNull)
	c.Check(err, IsNil)

	pub.Unique.Data = make([]byte, 128)
	_, _, err = s.tpm.LoadExternal(nil, pub, HandleNull)
	c.Check(IsTPMParameterError(err, ErrorKey, CommandLoadExternal, 2), Equals, true)
}

func (s *objectSuite) TestLoadExternalSensitive(c *C) {
	pub, sensitive := externalHMACKey([]byte("secret key"), Auth("foo"))
	key, _, err := s.tpm.LoadExternal(sensitive, pub, HandleNull)
	c.Assert(err, IsNil)

	h := hmac.New(sha256.New, []byte("secret key"))
	h.Write([]byte("data"))
	c.Check(s.hmacWithKey(c, key, Auth("foo"), []byte("data")), DeepEquals, Digest(h.Sum(nil)))
}

func (s *objectSuite) TestLoadExternalSensitiveRequiresNullHierarchy(c *C) {
	pub, sensitive := externalHMACKey([]byte("secret key"), nil)
	_, _, err := s.tpm.LoadExternal(sensitive, pub, HandleOwner)
	c.Check(IsTPMParameterError(err, ErrorHierarchy, CommandLoadExternal, 3), Equals, true)
}

func (s *objectSuite) TestLoadExternalSensitiveFixedTPM(c *C) {
	pub, sensitive := externalHMACKey([]byte("secret key"), nil)
	pub.Attrs |= AttrFixedTPM | AttrFixedParent
	_, _, err := s.tpm.LoadExternal(sensitive, pub, HandleNull)
	c.Check(IsTPMParameterError(err, ErrorAttributes, CommandLoadExternal, 2), Equals, true)
}

func (s *objectSuite) TestLoadExternalBinding(c *C) {
	pub, sensitive := externalHMACKey([]byte("secret key"), nil)
	sensitive.Sensitive = []byte("other key")
	_, _, err := s.tpm.LoadExternal(sensitive, pub, HandleNull)
	c.Check(IsTPMParameterError(err, ErrorBinding, CommandLoadExternal, 1), Equals, true)
}

func (s *objectSuite) TestLoadExternalDisabledHierarchy(c *C) {
	c.Assert(s.tpm.HierarchyControl(HandleOwner, HandleOwner, false, PasswordAuth(nil)), IsNil)
	pub, _ := externalHMACKey([]byte("secret key"), nil)
	_, _, err := s.tpm.LoadExternal(nil, pub, HandleOwner)
	c.Check(IsTPMParameterError(err, ErrorHierarchy, CommandLoadExternal, 3), Equals, true)
}

func (s *objectSuite) TestObjectChangeAuth(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, pub := s.createAndLoad(c, primary, &SensitiveCreate{UserAuth: Auth("foo")}, hmacKeyTemplate(AttrUserWithAuth))
	expected := s.hmacWithKey(c, key, Auth("foo"), []byte("data"))

	priv, err := s.tpm.ObjectChangeAuth(key, primary, Auth("bar"), PasswordAuth(Auth("foo")))
	c.Assert(err, IsNil)

	// The loaded object is unchanged.
	c.Check(s.hmacWithKey(c, key, Auth("foo"), []byte("data")), DeepEquals, expected)
	c.Assert(s.tpm.FlushContext(key), IsNil)

	key, newName, err := s.tpm.Load(primary, priv, pub, PasswordAuth(nil))
	c.Assert(err, IsNil)
	c.Check(newName, DeepEquals, name)
	c.Check(s.hmacWithKey(c, key, Auth("bar"), []byte("data")), DeepEquals, expected)
}

func (s *objectSuite) TestObjectChangeAuthWrongParent(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, _, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	_, err := s.tpm.ObjectChangeAuth(key, key, Auth("bar"), PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorType, CommandObjectChangeAuth, 2), Equals, true)
}

func (s *objectSuite) TestUserWithAuthClear(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, _, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(0))

	_, err := s.tpm.HMACStart(key, nil, HashAlgorithmNull, PasswordAuth(nil))
	c.Check(IsTPMSessionError(err, ErrorAuthType, CommandHMACStart, 1), Equals, true)
}

func (s *objectSuite) TestObjectsFlushedOnReset(c *C) {
	h := s.createStoragePrimary(c, HandleOwner)
	s.reset(c)

	_, _, err := s.tpm.ReadPublic(h)
	c.Check(IsTPMWarning(err, WarningReferenceH0, CommandReadPublic), Equals, true)
}
