// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
	"github.com/canonical/go-swtpm/internal/testutil"
)

type compareSuite struct{}

var _ = Suite(&compareSuite{})

type testArithmeticCompareData struct {
	a, b     []byte
	op       ArithmeticOp
	expected bool
}

func (s *compareSuite) testArithmeticCompare(c *C, data *testArithmeticCompareData) {
	result, err := ArithmeticCompare(data.a, data.b, data.op)
	c.Assert(err, IsNil)
	if data.expected {
		c.Check(result, testutil.IsTrue)
	} else {
		c.Check(result, testutil.IsFalse)
	}
}

func (s *compareSuite) TestEq(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x01, 0x02}, b: []byte{0x01, 0x02}, op: OpEq, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x01, 0x02}, b: []byte{0x01, 0x03}, op: OpEq, expected: false})
}

func (s *compareSuite) TestNeq(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x01, 0x02}, b: []byte{0x01, 0x03}, op: OpNeq, expected: true})
}

func (s *compareSuite) TestUnsignedGT(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x80, 0x00}, b: []byte{0x7f, 0xff}, op: OpUnsignedGT, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x00, 0x10}, b: []byte{0x01, 0x00}, op: OpUnsignedGT, expected: false})
}

func (s *compareSuite) TestSignedGT(c *C) {
	// -32768 > 32767
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x80, 0x00}, b: []byte{0x7f, 0xff}, op: OpSignedGT, expected: false})
	// -1 > -2
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xff, 0xff}, b: []byte{0xff, 0xfe}, op: OpSignedGT, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x00, 0x01}, b: []byte{0xff, 0xff}, op: OpSignedGT, expected: true})
}

func (s *compareSuite) TestSignedLT(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x80, 0x00, 0x00, 0x00}, b: []byte{0x00, 0x00, 0x00, 0x00}, op: OpSignedLT, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0x80, 0x00, 0x00, 0x00}, b: []byte{0x00, 0x00, 0x00, 0x00}, op: OpUnsignedLT, expected: false})
}

func (s *compareSuite) TestGEAndLE(c *C) {
	for _, op := range []ArithmeticOp{OpSignedGE, OpUnsignedGE, OpSignedLE, OpUnsignedLE} {
		s.testArithmeticCompare(c, &testArithmeticCompareData{
			a: []byte{0x12, 0x34}, b: []byte{0x12, 0x34}, op: op, expected: true})
	}
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xfe}, b: []byte{0x01}, op: OpSignedLE, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xfe}, b: []byte{0x01}, op: OpUnsignedGE, expected: true})
}

func (s *compareSuite) TestBitSet(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xf1, 0x0f}, b: []byte{0x81, 0x03}, op: OpBitSet, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xf1, 0x0f}, b: []byte{0x81, 0x13}, op: OpBitSet, expected: false})
}

func (s *compareSuite) TestBitClear(c *C) {
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xf0, 0x0f}, b: []byte{0x0f, 0xf0}, op: OpBitClear, expected: true})
	s.testArithmeticCompare(c, &testArithmeticCompareData{
		a: []byte{0xf0, 0x0f}, b: []byte{0x1f, 0xf0}, op: OpBitClear, expected: false})
}

func (s *compareSuite) TestSizeMismatch(c *C) {
	_, err := ArithmeticCompare([]byte{0x01}, []byte{0x00, 0x01}, OpEq)
	c.Check(err, NotNil)
}

func (s *compareSuite) TestInvalidOp(c *C) {
	_, err := ArithmeticCompare([]byte{0x01}, []byte{0x01}, ArithmeticOp(0x0c))
	c.Check(err, NotNil)
}
