// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil_test

import (
	"fmt"
	"io"
	"os"
	"reflect"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm/internal/testutil"
)

func testInfo(c *C, checker Checker, name string, paramNames []string) {
	info := checker.Info()
	if info.Name != name {
		c.Fatalf("Got name %s, expected %s", info.Name, name)
	}
	if !reflect.DeepEqual(info.Params, paramNames) {
		c.Fatalf("Got param names %#v, expected %#v", info.Params, paramNames)
	}
}

func testCheck(c *C, checker Checker, result bool, error string, params ...interface{}) {
	info := checker.Info()
	if len(params) != len(info.Params) {
		c.Fatalf("unexpected param count in test; expected %d got %d", len(info.Params), len(params))
	}
	names := append([]string{}, info.Params...)
	resultActual, errorActual := checker.Check(params, names)
	if resultActual != result || errorActual != error {
		c.Fatalf("%s.Check(%#v) returned (%#v, %#v) rather than (%#v, %#v)",
			info.Name, params, resultActual, errorActual, result, error)
	}
}

type checkersSuite struct{}

var _ = Suite(&checkersSuite{})

func (s *checkersSuite) TestIsOneOf(c *C) {
	testInfo(c, IsOneOf(Equals), "IsOneOf(Equals)", []string{"obtained", "[]expected"})
	testCheck(c, IsOneOf(Equals), true, "", 1, []int{2, 1, 5})
	testCheck(c, IsOneOf(Equals), false, "", 10, []int{2, 1, 5})
	testCheck(c, IsOneOf(IsNil), false, "IsOneOf must be used with a checker that requires 2 parameters", 1, []int{1})
	testCheck(c, IsOneOf(Equals), false, "[]expected has the wrong kind", 1, 1)
}

func (s *checkersSuite) TestIsTrue(c *C) {
	testInfo(c, IsTrue, "IsTrue", []string{"value"})
	testCheck(c, IsTrue, true, "", true)
	testCheck(c, IsTrue, false, "", false)
	testCheck(c, IsTrue, false, "value is not a bool", 1)
}

func (s *checkersSuite) TestIsFalse(c *C) {
	testInfo(c, IsFalse, "IsFalse", []string{"value"})
	testCheck(c, IsFalse, true, "", false)
	testCheck(c, IsFalse, false, "", true)
}

type testError struct {
	err error
}

func (e testError) Error() string { return "error: " + e.err.Error() }
func (e testError) Unwrap() error { return e.err }

type codeError uint32

func (e codeError) Error() string          { return fmt.Sprintf("code %#x", uint32(e)) }
func (e codeError) ResponseCode() codeError { return e }

func (s *checkersSuite) TestErrorIs(c *C) {
	testInfo(c, ErrorIs, "ErrorIs", []string{"value", "expected"})
	testCheck(c, ErrorIs, true, "", os.ErrNotExist, os.ErrNotExist)
	testCheck(c, ErrorIs, false, "", os.ErrNotExist, io.EOF)
	testCheck(c, ErrorIs, false, "value is not an error", "foo", io.EOF)
}

func (s *checkersSuite) TestErrorAs(c *C) {
	var e testError
	testCheck(c, ErrorAs, true, "", fmt.Errorf(": %w", testError{io.EOF}), &e)
	c.Check(e, ErrorIs, io.EOF)

	var e2 *os.PathError
	testCheck(c, ErrorAs, false, "", testError{io.EOF}, &e2)
}

func (s *checkersSuite) TestHasResponseCode(c *C) {
	testInfo(c, HasResponseCode, "HasResponseCode", []string{"value", "code"})
	testCheck(c, HasResponseCode, true, "", codeError(0x98e), 0x98e)
	testCheck(c, HasResponseCode, true, "", fmt.Errorf("wrapped: %w", codeError(0x921)), 0x921)
	testCheck(c, HasResponseCode, false, "actual response code: 0x921", codeError(0x921), 0x922)
	testCheck(c, HasResponseCode, false, "no error in the chain has a response code", io.EOF, 0x921)
	testCheck(c, HasResponseCode, false, "value is not an error", 1, 0x921)
}

func (s *checkersSuite) TestLenEquals(c *C) {
	testInfo(c, LenEquals, "LenEquals", []string{"value", "n"})
	testCheck(c, LenEquals, true, "", []int{0, 0, 0, 0}, 4)
	testCheck(c, LenEquals, false, "actual length: 3", "foo", 4)
	testCheck(c, LenEquals, false, "value doesn't have a length", 4, 4)
}

func (s *checkersSuite) TestFlipBit(c *C) {
	b := []byte{0x00, 0x00}
	c.Check(FlipBit(b, 9), DeepEquals, []byte{0x00, 0x02})
	c.Check(b, DeepEquals, []byte{0x00, 0x00})
}
