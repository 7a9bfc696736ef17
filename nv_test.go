// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	"crypto/sha256"
	"encoding/binary"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
)

type nvSuite struct {
	tpmTest
}

var _ = Suite(&nvSuite{})

const testIndex Handle = 0x01800000

func (s *nvSuite) define(c *C, auth Handle, attrs NVAttributes, size uint16, policy Digest) *NVPublic {
	public := &NVPublic{
		Index:      testIndex,
		NameAlg:    HashAlgorithmSHA256,
		Attrs:      attrs,
		AuthPolicy: policy,
		Size:       size}
	c.Assert(s.tpm.NVDefineSpace(auth, Auth("foo"), public, PasswordAuth(nil)), IsNil)
	return public
}

func (s *nvSuite) TestDefineAndReadPublic(c *C) {
	attrs := NVTypeOrdinary.WithAttrs(AttrNVAuthWrite | AttrNVAuthRead)
	expected := s.define(c, HandleOwner, attrs, 8, nil)

	public, name, err := s.tpm.NVReadPublic(testIndex)
	c.Assert(err, IsNil)
	c.Check(public, DeepEquals, expected)
	expectedName, err := expected.Name()
	c.Check(err, IsNil)
	c.Check(name, DeepEquals, expectedName)
}

func (s *nvSuite) TestDefineTwice(c *C) {
	attrs := NVTypeOrdinary.WithAttrs(AttrNVAuthWrite | AttrNVAuthRead)
	public := s.define(c, HandleOwner, attrs, 8, nil)
	err := s.tpm.NVDefineSpace(HandleOwner, nil, public, PasswordAuth(nil))
	c.Check(IsTPMError(err, ErrorNVDefined, CommandNVDefineSpace), Equals, true)
}

func (s *nvSuite) TestDefineInvalidAttrs(c *C) {
	for _, attrs := range []NVAttributes{
		NVTypeOrdinary.WithAttrs(AttrNVAuthRead),
		NVTypeOrdinary.WithAttrs(AttrNVAuthWrite),
		NVTypeOrdinary.WithAttrs(AttrNVAuthWrite | AttrNVAuthRead | AttrNVWritten),
		NVTypeOrdinary.WithAttrs(AttrNVAuthWrite | AttrNVAuthRead | AttrNVPlatformCreate),
	} {
		err := s.tpm.NVDefineSpace(HandleOwner, nil, &NVPublic{
			Index:   testIndex,
			NameAlg: HashAlgorithmSHA256,
			Attrs:   attrs,
			Size:    8}, PasswordAuth(nil))
		c.Check(IsTPMParameterError(err, ErrorAttributes, CommandNVDefineSpace, 2), Equals, true, Commentf("%08x", uint32(attrs)))
	}
}

func (s *nvSuite) TestDefineCounterSize(c *C) {
	err := s.tpm.NVDefineSpace(HandleOwner, nil, &NVPublic{
		Index:   testIndex,
		NameAlg: HashAlgorithmSHA256,
		Attrs:   NVTypeCounter.WithAttrs(AttrNVAuthWrite | AttrNVAuthRead),
		Size:    4}, PasswordAuth(nil))
	c.Check(IsTPMParameterError(err, ErrorSize, CommandNVDefineSpace, 2), Equals, true)
}

func (s *nvSuite) TestUndefine(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	c.Check(s.tpm.NVUndefineSpace(HandleOwner, testIndex, PasswordAuth(nil)), IsNil)

	_, _, err := s.tpm.NVReadPublic(testIndex)
	c.Check(IsTPMHandleError(err, ErrorHandle, CommandNVReadPublic, 1), Equals, true)
}

func (s *nvSuite) TestUndefinePlatformIndexWithOwner(c *C) {
	s.define(c, HandlePlatform, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVPlatformCreate), 8, nil)
	err := s.tpm.NVUndefineSpace(HandleOwner, testIndex, PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorNVAuthorization, CommandNVUndefineSpace, 1), Equals, true)
}

func (s *nvSuite) TestWriteAndRead(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)

	_, err := s.tpm.NVRead(testIndex, testIndex, 8, 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVUninitialized, CommandNVRead, 2), Equals, true)

	c.Assert(s.tpm.NVWrite(testIndex, testIndex, []byte("bar"), 2, PasswordAuth(Auth("foo"))), IsNil)

	data, err := s.tpm.NVRead(testIndex, testIndex, 8, 0, PasswordAuth(Auth("foo")))
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, MaxBuffer{0xff, 0xff, 'b', 'a', 'r', 0xff, 0xff, 0xff})

	data, err = s.tpm.NVRead(testIndex, testIndex, 3, 2, PasswordAuth(Auth("foo")))
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, MaxBuffer("bar"))

	public, _, err := s.tpm.NVReadPublic(testIndex)
	c.Assert(err, IsNil)
	c.Check(public.Attrs&AttrNVWritten, Equals, AttrNVWritten)
}

func (s *nvSuite) TestWriteOutOfRange(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foobar"), 4, PasswordAuth(Auth("foo")))
	c.Check(IsTPMError(err, ErrorNVRange, CommandNVWrite), Equals, true)
}

func (s *nvSuite) TestWriteAll(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVWriteAll), 8, nil)
	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMError(err, ErrorNVRange, CommandNVWrite), Equals, true)
	c.Check(s.tpm.NVWrite(testIndex, testIndex, []byte("12345678"), 0, PasswordAuth(Auth("foo"))), IsNil)
}

func (s *nvSuite) TestWriteWithOwnerAuth(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	err := s.tpm.NVWrite(HandleOwner, testIndex, []byte("foo"), 0, PasswordAuth(nil))
	c.Check(IsTPMHandleError(err, ErrorNVAuthorization, CommandNVWrite, 2), Equals, true)

	c.Assert(s.tpm.NVUndefineSpace(HandleOwner, testIndex, PasswordAuth(nil)), IsNil)
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVOwnerWrite|AttrNVOwnerRead), 8, nil)
	c.Check(s.tpm.NVWrite(HandleOwner, testIndex, []byte("foo"), 0, PasswordAuth(nil)), IsNil)
	data, err := s.tpm.NVRead(HandleOwner, testIndex, 3, 0, PasswordAuth(nil))
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, MaxBuffer("foo"))
}

func (s *nvSuite) TestBadAuth(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVNoDA), 8, nil)
	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("bar")))
	c.Check(IsTPMSessionError(err, ErrorBadAuth, CommandNVWrite, 1), Equals, true)
	c.Check(s.tpm.DAInfo().FailedTries, Equals, uint32(0))
}

func (s *nvSuite) TestIncrement(c *C) {
	s.define(c, HandleOwner, NVTypeCounter.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)

	for i := 0; i < 3; i++ {
		c.Assert(s.tpm.NVIncrement(testIndex, testIndex, PasswordAuth(Auth("foo"))), IsNil)
	}

	data, err := s.tpm.NVRead(testIndex, testIndex, 8, 0, PasswordAuth(Auth("foo")))
	c.Assert(err, IsNil)
	c.Check(binary.BigEndian.Uint64(data), Equals, uint64(3))

	err = s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorAttributes, CommandNVWrite, 2), Equals, true)
}

func (s *nvSuite) TestIncrementOrdinary(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	err := s.tpm.NVIncrement(testIndex, testIndex, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorAttributes, CommandNVIncrement, 2), Equals, true)
}

func (s *nvSuite) TestWriteLockStClear(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVWriteStClear), 8, nil)
	c.Assert(s.tpm.NVWriteLock(testIndex, testIndex, PasswordAuth(Auth("foo"))), IsNil)

	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVLocked, CommandNVWrite, 2), Equals, true)

	// The lock survives TPM Resume but not TPM Restart.
	s.cycle(c, StartupState, StartupState)
	err = s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVLocked, CommandNVWrite, 2), Equals, true)

	s.cycle(c, StartupState, StartupClear)
	c.Check(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo"))), IsNil)
}

func (s *nvSuite) TestWriteLockWriteDefine(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVWriteDefine), 8, nil)

	// The lock doesn't apply until the index has been written.
	c.Assert(s.tpm.NVWriteLock(testIndex, testIndex, PasswordAuth(Auth("foo"))), IsNil)
	c.Assert(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo"))), IsNil)

	c.Assert(s.tpm.NVWriteLock(testIndex, testIndex, PasswordAuth(Auth("foo"))), IsNil)
	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVLocked, CommandNVWrite, 2), Equals, true)

	s.reset(c)
	err = s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVLocked, CommandNVWrite, 2), Equals, true)
}

func (s *nvSuite) TestReadLock(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVReadStClear), 8, nil)
	c.Assert(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo"))), IsNil)
	c.Assert(s.tpm.NVReadLock(testIndex, testIndex, PasswordAuth(Auth("foo"))), IsNil)

	_, err := s.tpm.NVRead(testIndex, testIndex, 3, 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVLocked, CommandNVRead, 2), Equals, true)

	s.reset(c)
	data, err := s.tpm.NVRead(testIndex, testIndex, 3, 0, PasswordAuth(Auth("foo")))
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, MaxBuffer("foo"))
}

func (s *nvSuite) TestClearStClear(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVClearStClear), 8, nil)
	c.Assert(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo"))), IsNil)

	s.reset(c)
	_, err := s.tpm.NVRead(testIndex, testIndex, 3, 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVUninitialized, CommandNVRead, 2), Equals, true)
}

func (s *nvSuite) TestOwnerIndexHiddenWhenOwnerDisabled(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	c.Assert(s.tpm.HierarchyControl(HandleOwner, HandleOwner, false, PasswordAuth(nil)), IsNil)

	_, _, err := s.tpm.NVReadPublic(testIndex)
	c.Check(IsTPMHandleError(err, ErrorHandle, CommandNVReadPublic, 1), Equals, true)
}

func (s *nvSuite) TestPlatformIndexHiddenWhenNVDisabled(c *C) {
	s.define(c, HandlePlatform, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVPlatformCreate), 8, nil)
	c.Assert(s.tpm.HierarchyControl(HandlePlatform, HandlePlatformNV, false, PasswordAuth(nil)), IsNil)

	_, _, err := s.tpm.NVReadPublic(testIndex)
	c.Check(IsTPMHandleError(err, ErrorHandle, CommandNVReadPublic, 1), Equals, true)
}

func (s *nvSuite) TestNVUnavailable(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead|AttrNVNoDA), 8, nil)
	s.store.SetStatus(NVRateLimited)

	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMWarning(err, WarningNVRate, CommandNVWrite), Equals, true)

	s.store.SetStatus(NVAvailable)
	c.Check(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo"))), IsNil)
}

func (s *nvSuite) TestPolicyWrite(c *C) {
	policy := s.trialDigest(c, func(h Handle) {
		c.Assert(s.tpm.PolicyCommandCode(h, CommandNVWrite), IsNil)
	})
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVPolicyWrite|AttrNVAuthRead), 8, policy)

	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, PasswordAuth(Auth("foo")))
	c.Check(IsTPMError(err, ErrorAuthUnavailable, CommandNVWrite), Equals, true)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	c.Assert(s.tpm.PolicyCommandCode(h, CommandNVWrite), IsNil)
	c.Check(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, sessionAuth(h)), IsNil)
}

func (s *nvSuite) TestPolicyNvWritten(c *C) {
	policy := s.trialDigest(c, func(h Handle) {
		c.Assert(s.tpm.PolicyNvWritten(h, false), IsNil)
	})
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVPolicyWrite|AttrNVAuthRead), 8, policy)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	c.Assert(s.tpm.PolicyNvWritten(h, false), IsNil)
	c.Check(s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, sessionAuth(h)), IsNil)

	c.Assert(s.tpm.PolicyNvWritten(h, false), IsNil)
	err := s.tpm.NVWrite(testIndex, testIndex, []byte("foo"), 0, sessionAuth(h))
	c.Check(IsTPMSessionError(err, ErrorPolicyFail, CommandNVWrite, 1), Equals, true)
}

func (s *nvSuite) TestPolicyNvWrittenNotNV(c *C) {
	policy := s.trialDigest(c, func(h Handle) {
		c.Assert(s.tpm.PolicyNvWritten(h, true), IsNil)
	})
	c.Assert(s.tpm.SetPrimaryPolicy(HandleOwner, policy, HashAlgorithmSHA256, PasswordAuth(nil)), IsNil)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	c.Assert(s.tpm.PolicyNvWritten(h, true), IsNil)
	err := s.tpm.HierarchyChangeAuth(HandleOwner, nil, sessionAuth(h))
	c.Check(IsTPMSessionError(err, ErrorPolicyFail, CommandHierarchyChangeAuth, 1), Equals, true)
}

func (s *nvSuite) writeCounter(c *C, value uint64) Name {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, value)
	c.Assert(s.tpm.NVWrite(testIndex, testIndex, b, 0, PasswordAuth(Auth("foo"))), IsNil)
	_, name, err := s.tpm.NVReadPublic(testIndex)
	c.Assert(err, IsNil)
	return name
}

func (s *nvSuite) TestPolicyNV(c *C) {
	name := s.writeCounter(c, 5)
	operandB := []byte{0, 0, 0, 0, 0, 0, 0, 3}

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	c.Assert(s.tpm.PolicyNV(testIndex, testIndex, h, operandB, 0, OpUnsignedGT, PasswordAuth(Auth("foo"))), IsNil)

	args := sha256.New()
	args.Write(operandB)
	binary.Write(args, binary.BigEndian, uint16(0))
	binary.Write(args, binary.BigEndian, OpUnsignedGT)

	expected := sha256.New()
	expected.Write(make([]byte, 32))
	binary.Write(expected, binary.BigEndian, CommandPolicyNV)
	expected.Write(args.Sum(nil))
	expected.Write(name)

	digest, err := s.tpm.PolicyGetDigest(h)
	c.Check(err, IsNil)
	c.Check(digest, DeepEquals, Digest(expected.Sum(nil)))

	trial := s.trialDigest(c, func(h Handle) {
		c.Assert(s.tpm.PolicyNV(testIndex, testIndex, h, operandB, 0, OpUnsignedGT, PasswordAuth(Auth("foo"))), IsNil)
	})
	c.Check(trial, DeepEquals, digest)
}

func (s *nvSuite) TestPolicyNVFails(c *C) {
	s.writeCounter(c, 5)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	err := s.tpm.PolicyNV(testIndex, testIndex, h, []byte{0, 0, 0, 0, 0, 0, 0, 5}, 0, OpUnsignedGT, PasswordAuth(Auth("foo")))
	c.Check(IsTPMError(err, ErrorPolicy, CommandPolicyNV), Equals, true)

	c.Check(s.tpm.PolicyNV(testIndex, testIndex, h, []byte{5}, 7, OpEq, PasswordAuth(Auth("foo"))), IsNil)
}

func (s *nvSuite) TestPolicyNVOutOfRange(c *C) {
	s.writeCounter(c, 5)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	err := s.tpm.PolicyNV(testIndex, testIndex, h, []byte{0, 5}, 7, OpEq, PasswordAuth(Auth("foo")))
	c.Check(IsTPMParameterError(err, ErrorSize, CommandPolicyNV, 1), Equals, true)

	err = s.tpm.PolicyNV(testIndex, testIndex, h, nil, 9, OpEq, PasswordAuth(Auth("foo")))
	c.Check(IsTPMParameterError(err, ErrorValue, CommandPolicyNV, 2), Equals, true)

	// The full index can still be compared.
	c.Check(s.tpm.PolicyNV(testIndex, testIndex, h, []byte{0, 0, 0, 0, 0, 0, 0, 5}, 0, OpEq, PasswordAuth(Auth("foo"))), IsNil)
}

func (s *nvSuite) TestPolicyNVUnwritten(c *C) {
	s.define(c, HandleOwner, NVTypeOrdinary.WithAttrs(AttrNVAuthWrite|AttrNVAuthRead), 8, nil)

	h := s.startSession(c, HandleNull, SessionTypePolicy)
	err := s.tpm.PolicyNV(testIndex, testIndex, h, []byte{0}, 0, OpEq, PasswordAuth(Auth("foo")))
	c.Check(IsTPMHandleError(err, ErrorNVUninitialized, CommandPolicyNV, 2), Equals, true)
}
