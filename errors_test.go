// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	"errors"

	"golang.org/x/xerrors"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
	"github.com/canonical/go-swtpm/internal/testutil"
)

type errorsSuite struct{}

var _ = Suite(&errorsSuite{})

func (s *errorsSuite) TestResponseCodeFormat0(c *C) {
	err := &TPMError{Command: CommandClear, Code: ErrorSensitive}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000155))
}

func (s *errorsSuite) TestResponseCodeWarning(c *C) {
	err := &TPMWarning{Command: CommandNVWrite, Code: WarningNVUnavailable}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000923))
}

func (s *errorsSuite) TestResponseCodeParameter(c *C) {
	err := &TPMParameterError{TPMError: &TPMError{Command: CommandClear, Code: ErrorECCPoint}, Index: 5}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x000005e7))
	c.Check(IsTPMParameterError(err, ErrorECCPoint, CommandClear, 5), Equals, true)
	c.Check(IsTPMError(err, ErrorECCPoint, CommandClear), Equals, true)
}

func (s *errorsSuite) TestResponseCodeSession(c *C) {
	err := &TPMSessionError{TPMError: &TPMError{Command: CommandCreate, Code: ErrorKey}, Index: 3}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000b9c))
	c.Check(IsTPMSessionError(err, ErrorKey, CommandCreate, 3), Equals, true)
	c.Check(IsTPMError(err, ErrorKey, CommandCreate), Equals, true)
}

func (s *errorsSuite) TestResponseCodeHandle(c *C) {
	err := &TPMHandleError{TPMError: &TPMError{Command: CommandStartup, Code: ErrorSymmetric}, Index: 4}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000496))
	c.Check(IsTPMHandleError(err, ErrorSymmetric, CommandStartup, 4), Equals, true)
	c.Check(IsTPMError(err, ErrorSymmetric, CommandStartup), Equals, true)
}

func (s *errorsSuite) TestResponseCodeFormat0IgnoresIndex(c *C) {
	err := &TPMParameterError{TPMError: &TPMError{Command: CommandClear, Code: ErrorSensitive}, Index: 1}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000155))
}

func (s *errorsSuite) TestResponseCodeFatal(c *C) {
	err := &FatalError{Command: CommandCreate}
	c.Check(err.ResponseCode(), Equals, ResponseCode(0x00000101))
}

func (s *errorsSuite) TestMatchAny(c *C) {
	err := xerrors.Errorf("cannot do something: %w", &TPMParameterError{TPMError: &TPMError{Command: CommandLoad, Code: ErrorSize}, Index: 2})
	c.Check(IsTPMParameterError(err, AnyErrorCode, CommandLoad, 2), Equals, true)
	c.Check(IsTPMParameterError(err, ErrorSize, AnyCommandCode, 2), Equals, true)
	c.Check(IsTPMParameterError(err, ErrorSize, CommandLoad, AnyParameterIndex), Equals, true)
	c.Check(IsTPMParameterError(err, ErrorSize, CommandLoad, 1), Equals, false)
	c.Check(IsTPMHandleError(err, AnyErrorCode, AnyCommandCode, AnyHandleIndex), Equals, false)

	var e *TPMParameterError
	c.Check(AsTPMParameterError(err, ErrorSize, CommandLoad, 2, &e), Equals, true)
	c.Check(e.Index, Equals, 2)
}

func (s *errorsSuite) TestMatchWarning(c *C) {
	err := xerrors.Errorf("cannot do something: %w", &TPMWarning{Command: CommandCreate, Code: WarningObjectMemory})
	c.Check(IsTPMWarning(err, WarningObjectMemory, CommandCreate), Equals, true)
	c.Check(IsTPMWarning(err, AnyWarningCode, AnyCommandCode), Equals, true)
	c.Check(IsTPMWarning(err, WarningLockout, CommandCreate), Equals, false)
	c.Check(IsTPMError(err, AnyErrorCode, AnyCommandCode), Equals, false)
}

func (s *errorsSuite) TestFatalErrorUnwrap(c *C) {
	err := &FatalError{Command: CommandCreate}
	c.Check(IsFatalError(xerrors.Errorf("%w", err)), Equals, true)
	c.Check(IsFatalError(errors.New("foo")), Equals, false)
}

func (s *errorsSuite) TestErrorString(c *C) {
	err := &TPMHandleError{TPMError: &TPMError{Command: CommandLoad, Code: ErrorHandle}, Index: 1}
	c.Check(err.Error(), Matches, "TPM returned an error for handle 1 whilst executing command TPM_CC_Load: TPM_RC_HANDLE.*")
}

type commandErrorsSuite struct {
	tpmTest
}

var _ = Suite(&commandErrorsSuite{})

func (s *commandErrorsSuite) TestCommandIsRecorded(c *C) {
	_, _, err := s.tpm.ReadPublic(Handle(0x80000010))
	c.Check(err, testutil.HasResponseCode, 0x910)

	var e *TPMWarning
	c.Assert(err, testutil.ErrorAs, &e)
	c.Check(e.Command, Equals, CommandReadPublic)
}

func (s *commandErrorsSuite) TestParameterResponseCode(c *C) {
	_, err := s.tpm.HashSequenceStart(nil, HashAlgorithmNull)
	c.Check(err, testutil.HasResponseCode, 0x2c3)
}
