// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import "bytes"

// signedCompare compares two big-endian two's complement integers of the same
// length. The most significant bit of the first byte is the sign bit.
func signedCompare(a, b []byte) int {
	aNeg := len(a) > 0 && a[0]&0x80 != 0
	bNeg := len(b) > 0 && b[0]&0x80 != 0
	switch {
	case aNeg && !bNeg:
		return -1
	case !aNeg && bNeg:
		return 1
	}
	return bytes.Compare(a, b)
}

// arithmeticCompare evaluates "a op b", where a and b are big-endian integers
// of the same length. An unsupported operation returns ErrorValue.
func arithmeticCompare(a, b []byte, op ArithmeticOp) (bool, error) {
	if len(a) != len(b) {
		return false, errCode(ErrorSize)
	}

	switch op {
	case OpEq:
		return bytes.Equal(a, b), nil
	case OpNeq:
		return !bytes.Equal(a, b), nil
	case OpSignedGT:
		return signedCompare(a, b) > 0, nil
	case OpUnsignedGT:
		return bytes.Compare(a, b) > 0, nil
	case OpSignedLT:
		return signedCompare(a, b) < 0, nil
	case OpUnsignedLT:
		return bytes.Compare(a, b) < 0, nil
	case OpSignedGE:
		return signedCompare(a, b) >= 0, nil
	case OpUnsignedGE:
		return bytes.Compare(a, b) >= 0, nil
	case OpSignedLE:
		return signedCompare(a, b) <= 0, nil
	case OpUnsignedLE:
		return bytes.Compare(a, b) <= 0, nil
	case OpBitSet:
		for i := range a {
			if a[i]&b[i] != b[i] {
				return false, nil
			}
		}
		return true, nil
	case OpBitClear:
		for i := range a {
			if a[i]&b[i] != 0 {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, errCode(ErrorValue)
	}
}
