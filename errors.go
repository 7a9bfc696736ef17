// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"bytes"
	"fmt"

	"golang.org/x/xerrors"
)

const (
	// AnyCommandCode is used to match any command code when using {As,Is}TPMError, {As,Is}TPMHandleError, {As,Is}TPMParameterError,
	// {As,Is}TPMSessionError and {As,Is}TPMWarning.
	AnyCommandCode CommandCode = 0xc0000000

	// AnyErrorCode is used to match any error code when using {As,Is}TPMError, {As,Is}TPMHandleError, {As,Is}TPMParameterError and
	// {As,Is}TPMSessionError.
	AnyErrorCode ErrorCode = 0x100

	// AnyHandleIndex is used to match any handle when using {As,Is}TPMHandleError.
	AnyHandleIndex int = -1

	// AnyParameterIndex is used to match any parameter when using {As,Is}TPMParameterError.
	AnyParameterIndex int = -1

	// AnySessionIndex is used to match any session when using {As,Is}TPMSessionError.
	AnySessionIndex int = -1

	// AnyWarningCode is used to match any warning code when using {As,Is}TPMWarning.
	AnyWarningCode WarningCode = 0x80
)

// WarningCode represents a condition that is not necessarily an error, and
// which the caller may retry.
type WarningCode ResponseCode

// TPMWarning is returned from a command if it could not complete because of a
// transient condition, such as a lack of free memory or NV being unavailable.
type TPMWarning struct {
	Command CommandCode // Command code associated with this error
	Code    WarningCode // Warning code
}

func (e *TPMWarning) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned a warning whilst executing command %s: %s", e.Command, e.Code)
	if desc, hasDesc := warningCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

// ResponseCode returns the TPM2 response code for this warning.
func (e *TPMWarning) ResponseCode() ResponseCode {
	return rcWarn | ResponseCode(e.Code)
}

// ErrorCode represents an error code from the TPM.
type ErrorCode ResponseCode

// TPMError is returned from a command if it fails with an error that is not
// associated with a handle, parameter or session.
type TPMError struct {
	Command CommandCode // Command code associated with this error
	Code    ErrorCode   // Error code
}

func (e *TPMError) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned an error whilst executing command %s: %s", e.Command, e.Code)
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

// ResponseCode returns the TPM2 response code for this error.
func (e *TPMError) ResponseCode() ResponseCode {
	if e.Code >= errorCode1Start {
		return rcFmt1 | ResponseCode(e.Code-errorCode1Start)
	}
	return rcVer1 | ResponseCode(e.Code)
}

func (e *TPMError) isFormat1() bool {
	return e.Code >= errorCode1Start
}

// TPMParameterError is returned from a command if it fails with an error that
// is associated with a command parameter. It wraps a *TPMError.
type TPMParameterError struct {
	*TPMError
	Index int // Index of the parameter associated with this error in the command parameter area, starting from 1
}

func (e *TPMParameterError) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned an error for parameter %d whilst executing command %s: %s", e.Index, e.Command, e.Code)
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

func (e *TPMParameterError) Unwrap() error {
	return e.TPMError
}

// ResponseCode returns the TPM2 response code for this error.
func (e *TPMParameterError) ResponseCode() ResponseCode {
	rc := e.TPMError.ResponseCode()
	if !e.isFormat1() {
		return rc
	}
	return rc | rcP | ResponseCode(e.Index&0xf)<<rcIndexShift
}

// TPMSessionError is returned from a command if it fails with an error that
// is associated with a session. It wraps a *TPMError.
type TPMSessionError struct {
	*TPMError
	Index int // Index of the session associated with this error in the authorization area, starting from 1
}

func (e *TPMSessionError) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned an error for session %d whilst executing command %s: %s", e.Index, e.Command, e.Code)
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

func (e *TPMSessionError) Unwrap() error {
	return e.TPMError
}

// ResponseCode returns the TPM2 response code for this error.
func (e *TPMSessionError) ResponseCode() ResponseCode {
	rc := e.TPMError.ResponseCode()
	if !e.isFormat1() {
		return rc
	}
	return rc | rcS | ResponseCode(e.Index&0x7)<<rcIndexShift
}

// TPMHandleError is returned from a command if it fails with an error that is
// associated with a command handle. It wraps a *TPMError.
type TPMHandleError struct {
	*TPMError
	// Index is the index of the handle associated with this error in the command handle area, starting from 1. An index of 0 corresponds
	// to an unspecified handle
	Index int
}

func (e *TPMHandleError) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned an error for handle %d whilst executing command %s: %s", e.Index, e.Command, e.Code)
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

func (e *TPMHandleError) Unwrap() error {
	return e.TPMError
}

// ResponseCode returns the TPM2 response code for this error.
func (e *TPMHandleError) ResponseCode() ResponseCode {
	rc := e.TPMError.ResponseCode()
	if !e.isFormat1() {
		return rc
	}
	return rc | ResponseCode(e.Index&0x7)<<rcIndexShift
}

// FatalError is returned when the TPM detects an internal inconsistency. Once
// returned, the TPM is in failure mode and every subsequent command fails with
// the same error until the TPM is re-initialized with Init.
type FatalError struct {
	Command CommandCode // Command code that caused the failure
	err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("TPM entered failure mode whilst executing command %s: %v", e.Command, e.err)
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// ResponseCode returns the TPM2 response code for this error, which is always
// TPM_RC_FAILURE.
func (e *FatalError) ResponseCode() ResponseCode {
	return rcVer1 | ResponseCode(ErrorFailure)
}

// AsTPMError indicates whether the error or any error within its chain is a *TPMError with the specified ErrorCode and CommandCode,
// and sets out to the value of error if it is. To test for any error code, use AnyErrorCode. To test for any command code, use
// AnyCommandCode. This will panic if out is nil.
func AsTPMError(err error, code ErrorCode, command CommandCode, out **TPMError) bool {
	return xerrors.As(err, out) && (code == AnyErrorCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command)
}

// IsTPMError indicates whether the error or any error within its chain is a *TPMError with the specified ErrorCode and CommandCode.
// To test for any error code, use AnyErrorCode. To test for any command code, use AnyCommandCode.
func IsTPMError(err error, code ErrorCode, command CommandCode) bool {
	var e *TPMError
	return AsTPMError(err, code, command, &e)
}

// AsTPMHandleError indicates whether the error or any error within its chain is a *TPMHandleError with the specified ErrorCode,
// CommandCode and handle index, and sets out to the value of error if it is. To test for any error code, use AnyErrorCode. To test
// for any command code, use AnyCommandCode. To test for any handle index, use AnyHandleIndex. This will panic if out is nil.
func AsTPMHandleError(err error, code ErrorCode, command CommandCode, handle int, out **TPMHandleError) bool {
	return xerrors.As(err, out) && (code == AnyErrorCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command) && (handle == AnyHandleIndex || (*out).Index == handle)
}

// IsTPMHandleError indicates whether the error or any error within its chain is a *TPMHandleError with the specified ErrorCode,
// CommandCode and handle index. To test for any error code, use AnyErrorCode. To test for any command code, use AnyCommandCode. To
// test for any handle index, use AnyHandleIndex.
func IsTPMHandleError(err error, code ErrorCode, command CommandCode, handle int) bool {
	var e *TPMHandleError
	return AsTPMHandleError(err, code, command, handle, &e)
}

// AsTPMParameterError indicates whether the error or any error within its chain is a *TPMParameterError with the specified ErrorCode,
// CommandCode and parameter index, and sets out to the value of error if it is. To test for any error code, use AnyErrorCode. To test
// for any command code, use AnyCommandCode. To test for any parameter index, use AnyParameterIndex. This will panic if out is nil.
func AsTPMParameterError(err error, code ErrorCode, command CommandCode, param int, out **TPMParameterError) bool {
	return xerrors.As(err, out) && (code == AnyErrorCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command) && (param == AnyParameterIndex || (*out).Index == param)
}

// IsTPMParameterError indicates whether the error or any error within its chain is a *TPMParameterError with the specified ErrorCode,
// CommandCode and parameter index. To test for any error code, use AnyErrorCode. To test for any command code, use AnyCommandCode.
// To test for any parameter index, use AnyParameterIndex.
func IsTPMParameterError(err error, code ErrorCode, command CommandCode, param int) bool {
	var e *TPMParameterError
	return AsTPMParameterError(err, code, command, param, &e)
}

// AsTPMSessionError indicates whether the error or any error within its chain is a *TPMSessionError with the specified ErrorCode,
// CommandCode and session index, and sets out to the value of error if it is. To test for any error code, use AnyErrorCode. To test
// for any command code, use AnyCommandCode. To test for any session index, use AnySessionIndex. This will panic if out is nil.
func AsTPMSessionError(err error, code ErrorCode, command CommandCode, session int, out **TPMSessionError) bool {
	return xerrors.As(err, out) && (code == AnyErrorCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command) && (session == AnySessionIndex || (*out).Index == session)
}

// IsTPMSessionError indicates whether the error or any error within its chain is a *TPMSessionError with the specified ErrorCode,
// CommandCode and session index. To test for any error code, use AnyErrorCode. To test for any command code, use AnyCommandCode. To
// test for any session index, use AnySessionIndex.
func IsTPMSessionError(err error, code ErrorCode, command CommandCode, session int) bool {
	var e *TPMSessionError
	return AsTPMSessionError(err, code, command, session, &e)
}

// AsTPMWarning indicates whether the error or any error within its chain is a *TPMWarning with the specified WarningCode and
// CommandCode, and sets out to the value of error if it is. To test for any warning code, use AnyWarningCode. To test for any command
// code, use AnyCommandCode. This will panic if out is nil.
func AsTPMWarning(err error, code WarningCode, command CommandCode, out **TPMWarning) bool {
	return xerrors.As(err, out) && (code == AnyWarningCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command)
}

// IsTPMWarning indicates whether the error or any error within its chain is a *TPMWarning with the specified WarningCode and
// CommandCode. To test for any warning code, use AnyWarningCode. To test for any command code, use AnyCommandCode.
func IsTPMWarning(err error, code WarningCode, command CommandCode) bool {
	var e *TPMWarning
	return AsTPMWarning(err, code, command, &e)
}

// IsFatalError indicates whether the error or any error within its chain is a *FatalError.
func IsFatalError(err error) bool {
	var e *FatalError
	return xerrors.As(err, &e)
}

func errCode(code ErrorCode) error {
	return &TPMError{Code: code}
}

func errParam(code ErrorCode, index int) error {
	return &TPMParameterError{TPMError: &TPMError{Code: code}, Index: index}
}

func errHandle(code ErrorCode, index int) error {
	return &TPMHandleError{TPMError: &TPMError{Code: code}, Index: index}
}

func errSession(code ErrorCode, index int) error {
	return &TPMSessionError{TPMError: &TPMError{Code: code}, Index: index}
}

func warn(code WarningCode) error {
	return &TPMWarning{Code: code}
}

func fatal(format string, args ...interface{}) error {
	return &FatalError{err: xerrors.Errorf(format, args...)}
}

// asParam converts an error returned from a helper that has no knowledge of
// parameter indices into a parameter error.
func asParam(err error, index int) error {
	var e *TPMError
	if xerrors.As(err, &e) && !isIndexed(err) {
		return &TPMParameterError{TPMError: e, Index: index}
	}
	return err
}

// asHandle is like asParam, but for handle errors.
func asHandle(err error, index int) error {
	var e *TPMError
	if xerrors.As(err, &e) && !isIndexed(err) {
		return &TPMHandleError{TPMError: e, Index: index}
	}
	return err
}

// asSession is like asParam, but for session errors.
func asSession(err error, index int) error {
	var e *TPMError
	if xerrors.As(err, &e) && !isIndexed(err) {
		return &TPMSessionError{TPMError: e, Index: index}
	}
	return err
}

func isIndexed(err error) bool {
	switch err.(type) {
	case *TPMParameterError, *TPMHandleError, *TPMSessionError:
		return true
	}
	return false
}

// setCommand associates the returned error with the command that produced it.
func setCommand(err error, command CommandCode) {
	var e *TPMError
	if xerrors.As(err, &e) {
		e.Command = command
	}
	var w *TPMWarning
	if xerrors.As(err, &w) {
		w.Command = command
	}
	var f *FatalError
	if xerrors.As(err, &f) {
		f.Command = command
	}
}
