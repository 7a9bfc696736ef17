// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
)

type credentialSuite struct {
	tpmTest
}

var _ = Suite(&credentialSuite{})

func (s *credentialSuite) TestMakeAndActivate(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, _ := s.createAndLoad(c, primary, &SensitiveCreate{UserAuth: Auth("foo")}, hmacKeyTemplate(AttrUserWithAuth))

	credential := Digest("1234567890")
	blob, secret, err := s.tpm.MakeCredential(primary, credential, name)
	c.Assert(err, IsNil)
	c.Check(secret, HasLen, 32)

	certInfo, err := s.tpm.ActivateCredential(key, primary, blob, secret, PasswordAuth(Auth("foo")), PasswordAuth(nil))
	c.Assert(err, IsNil)
	c.Check(certInfo, DeepEquals, credential)
}

func (s *credentialSuite) TestActivateWrongObject(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key1, name, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))
	c.Assert(s.tpm.FlushContext(key1), IsNil)
	key2, _, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	blob, secret, err := s.tpm.MakeCredential(primary, Digest("foo"), name)
	c.Assert(err, IsNil)

	_, err = s.tpm.ActivateCredential(key2, primary, blob, secret, PasswordAuth(nil), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorIntegrity, CommandActivateCredential, 1), Equals, true)
}

func (s *credentialSuite) TestActivateTamperedBlob(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	blob, secret, err := s.tpm.MakeCredential(primary, Digest("foo"), name)
	c.Assert(err, IsNil)
	blob[len(blob)-1] ^= 0x01

	_, err = s.tpm.ActivateCredential(key, primary, blob, secret, PasswordAuth(nil), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorIntegrity, CommandActivateCredential, 1), Equals, true)
}

func (s *credentialSuite) TestActivateWrongSecretSize(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	blob, secret, err := s.tpm.MakeCredential(primary, Digest("foo"), name)
	c.Assert(err, IsNil)

	_, err = s.tpm.ActivateCredential(key, primary, blob, secret[:16], PasswordAuth(nil), PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorValue, CommandActivateCredential, 2), Equals, true)
}

func (s *credentialSuite) TestActivateWithNonStorageKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	blob, secret, err := s.tpm.MakeCredential(primary, Digest("foo"), name)
	c.Assert(err, IsNil)

	_, err = s.tpm.ActivateCredential(key, key, blob, secret, PasswordAuth(nil), PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorType, CommandActivateCredential, 2), Equals, true)
}

func (s *credentialSuite) TestMakeCredentialTooLarge(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.MakeCredential(primary, make(Digest, 33), permanentName(HandleOwner))
	c.Check(IsTPMParameterError(err, ErrorSize, CommandMakeCredential, 1), Equals, true)
}

func (s *credentialSuite) TestMakeCredentialInvalidName(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, _, err := s.tpm.MakeCredential(primary, Digest("foo"), permanentName(HandleOwner))
	c.Check(IsTPMParameterError(err, ErrorSize, CommandMakeCredential, 2), Equals, true)
}

func (s *credentialSuite) TestMakeCredentialNonStorageKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	key, name, _, _ := s.createAndLoad(c, primary, nil, hmacKeyTemplate(AttrUserWithAuth))

	_, _, err := s.tpm.MakeCredential(key, Digest("foo"), name)
	c.Check(IsTPMHandleError(err, ErrorType, CommandMakeCredential, 1), Equals, true)
}

func (s *credentialSuite) TestMakeCredentialFlushedKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	c.Assert(s.tpm.FlushContext(primary), IsNil)

	_, _, err := s.tpm.MakeCredential(primary, Digest("foo"), permanentName(HandleOwner))
	c.Check(IsTPMWarning(err, WarningReferenceH0, CommandMakeCredential), Equals, true)
}
