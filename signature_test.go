// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
)

type signatureSuite struct {
	tpmTest
}

var _ = Suite(&signatureSuite{})

func (s *signatureSuite) TestVerifyECDSA(c *C) {
	key, name, priv := s.loadSigningKey(c, HandleOwner)

	digest := sha256.Sum256([]byte("foo"))
	ticket, err := s.tpm.VerifySignature(key, digest[:], sign(c, priv, digest[:]))
	c.Assert(err, IsNil)
	c.Check(ticket, DeepEquals, s.tpm.ComputeVerified(HandleOwner, digest[:], name))
}

func (s *signatureSuite) TestVerifyNullHierarchy(c *C) {
	key, _, priv := s.loadSigningKey(c, HandleNull)

	digest := sha256.Sum256([]byte("foo"))
	ticket, err := s.tpm.VerifySignature(key, digest[:], sign(c, priv, digest[:]))
	c.Assert(err, IsNil)
	c.Check(ticket, DeepEquals, &Ticket{Tag: TagVerified, Hierarchy: HandleNull})
}

func (s *signatureSuite) TestVerifyBadSignature(c *C) {
	key, _, priv := s.loadSigningKey(c, HandleOwner)

	digest := sha256.Sum256([]byte("foo"))
	sig := sign(c, priv, digest[:])
	digest[0] ^= 0xff
	_, err := s.tpm.VerifySignature(key, digest[:], sig)
	c.Check(IsTPMParameterError(err, ErrorSignature, CommandVerifySignature, 2), Equals, true)
}

func (s *signatureSuite) TestVerifyWrongScheme(c *C) {
	key, _, _ := s.loadSigningKey(c, HandleOwner)

	digest := sha256.Sum256([]byte("foo"))
	_, err := s.tpm.VerifySignature(key, digest[:], &Signature{SigAlg: SigSchemeAlgHMAC, Hash: HashAlgorithmSHA256, Sig: make([]byte, 32)})
	c.Check(IsTPMParameterError(err, ErrorScheme, CommandVerifySignature, 2), Equals, true)
}

func (s *signatureSuite) TestVerifyInvalidHash(c *C) {
	key, _, _ := s.loadSigningKey(c, HandleOwner)

	digest := sha256.Sum256([]byte("foo"))
	_, err := s.tpm.VerifySignature(key, digest[:], &Signature{SigAlg: SigSchemeAlgECDSA, Hash: HashAlgorithmNull})
	c.Check(IsTPMParameterError(err, ErrorHash, CommandVerifySignature, 2), Equals, true)
}

func (s *signatureSuite) TestVerifyRSASSA(c *C) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	c.Assert(err, IsNil)

	pub := &Public{
		Type:    ObjectTypeRSA,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   AttrSign | AttrUserWithAuth,
		Params: PublicParams{
			Symmetric: SymDefObject{Algorithm: SymObjectAlgorithmNull},
			Scheme:    SigScheme{Scheme: SigSchemeAlgRSASSA, Hash: HashAlgorithmSHA256},
			KeyBits:   2048},
		Unique: PublicID{Data: priv.N.Bytes()}}
	key, name, err := s.tpm.LoadExternal(nil, pub, HandleEndorsement)
	c.Assert(err, IsNil)

	digest := sha256.Sum256([]byte("foo"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	c.Assert(err, IsNil)

	ticket, err := s.tpm.VerifySignature(key, digest[:], &Signature{SigAlg: SigSchemeAlgRSASSA, Hash: HashAlgorithmSHA256, Sig: sig})
	c.Assert(err, IsNil)
	c.Check(ticket, DeepEquals, s.tpm.ComputeVerified(HandleEndorsement, digest[:], name))

	_, err = s.tpm.VerifySignature(key, digest[:], &Signature{SigAlg: SigSchemeAlgRSAPSS, Hash: HashAlgorithmSHA256, Sig: sig})
	c.Check(IsTPMParameterError(err, ErrorSignature, CommandVerifySignature, 2), Equals, true)
}

func (s *signatureSuite) TestVerifyHMAC(c *C) {
	pub, sensitive := externalHMACKey([]byte("secret key"), nil)
	key, _, err := s.tpm.LoadExternal(sensitive, pub, HandleNull)
	c.Assert(err, IsNil)

	digest := sha256.Sum256([]byte("foo"))
	h := hmac.New(sha256.New, []byte("secret key"))
	h.Write(digest[:])

	ticket, err := s.tpm.VerifySignature(key, digest[:], &Signature{SigAlg: SigSchemeAlgHMAC, Hash: HashAlgorithmSHA256, Sig: h.Sum(nil)})
	c.Assert(err, IsNil)
	c.Check(ticket, DeepEquals, &Ticket{Tag: TagVerified, Hierarchy: HandleNull})
}

func (s *signatureSuite) TestVerifyNotSigningKey(c *C) {
	primary := s.createStoragePrimary(c, HandleOwner)
	_, err := s.tpm.VerifySignature(primary, make(Digest, 32), &Signature{SigAlg: SigSchemeAlgECDSA, Hash: HashAlgorithmSHA256})
	c.Check(IsTPMHandleError(err, ErrorAttributes, CommandVerifySignature, 1), Equals, true)
}

func (s *signatureSuite) TestVerifySequence(c *C) {
	seq, err := s.tpm.HashSequenceStart(nil, HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	_, err = s.tpm.VerifySignature(seq, make(Digest, 32), &Signature{SigAlg: SigSchemeAlgECDSA, Hash: HashAlgorithmSHA256})
	c.Check(IsTPMHandleError(err, ErrorType, CommandVerifySignature, 1), Equals, true)
}

func (s *signatureSuite) TestVerifyDigestTooLarge(c *C) {
	key, _, _ := s.loadSigningKey(c, HandleOwner)
	_, err := s.tpm.VerifySignature(key, make(Digest, 65), &Signature{SigAlg: SigSchemeAlgECDSA, Hash: HashAlgorithmSHA256})
	c.Check(IsTPMParameterError(err, ErrorSize, CommandVerifySignature, 1), Equals, true)
}

func (s *signatureSuite) TestVerifyFlushedKey(c *C) {
	key, _, _ := s.loadSigningKey(c, HandleOwner)
	c.Assert(s.tpm.FlushContext(key), IsNil)

	_, err := s.tpm.VerifySignature(key, make(Digest, 32), &Signature{SigAlg: SigSchemeAlgECDSA, Hash: HashAlgorithmSHA256})
	c.Check(IsTPMWarning(err, WarningReferenceH0, CommandVerifySignature), Equals, true)
}
