// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"hash"

	_ "golang.org/x/crypto/sha3"
)

// AlgorithmId corresponds to the TPM_ALG_ID type.
type AlgorithmId uint16

const (
	AlgorithmRSA       AlgorithmId = 0x0001
	AlgorithmSHA1      AlgorithmId = 0x0004
	AlgorithmHMAC      AlgorithmId = 0x0005
	AlgorithmAES       AlgorithmId = 0x0006
	AlgorithmKeyedHash AlgorithmId = 0x0008
	AlgorithmXOR       AlgorithmId = 0x000a
	AlgorithmSHA256    AlgorithmId = 0x000b
	AlgorithmSHA384    AlgorithmId = 0x000c
	AlgorithmSHA512    AlgorithmId = 0x000d
	AlgorithmNull      AlgorithmId = 0x0010
	AlgorithmRSASSA    AlgorithmId = 0x0014
	AlgorithmRSAPSS    AlgorithmId = 0x0016
	AlgorithmECDSA     AlgorithmId = 0x0018
	AlgorithmECC       AlgorithmId = 0x0023
	AlgorithmSymCipher AlgorithmId = 0x0025
	AlgorithmSHA3_256  AlgorithmId = 0x0027
	AlgorithmSHA3_384  AlgorithmId = 0x0028
	AlgorithmSHA3_512  AlgorithmId = 0x0029
	AlgorithmCFB       AlgorithmId = 0x0043
)

// HashAlgorithmId corresponds to the TPMI_ALG_HASH type.
type HashAlgorithmId AlgorithmId

const (
	HashAlgorithmSHA1     HashAlgorithmId = HashAlgorithmId(AlgorithmSHA1)
	HashAlgorithmSHA256   HashAlgorithmId = HashAlgorithmId(AlgorithmSHA256)
	HashAlgorithmSHA384   HashAlgorithmId = HashAlgorithmId(AlgorithmSHA384)
	HashAlgorithmSHA512   HashAlgorithmId = HashAlgorithmId(AlgorithmSHA512)
	HashAlgorithmSHA3_256 HashAlgorithmId = HashAlgorithmId(AlgorithmSHA3_256)
	HashAlgorithmSHA3_384 HashAlgorithmId = HashAlgorithmId(AlgorithmSHA3_384)
	HashAlgorithmSHA3_512 HashAlgorithmId = HashAlgorithmId(AlgorithmSHA3_512)
	HashAlgorithmNull     HashAlgorithmId = HashAlgorithmId(AlgorithmNull)
)

// GetHash returns the equivalent crypto.Hash value for this algorithm if one
// exists, and 0 if one does not exist.
func (a HashAlgorithmId) GetHash() crypto.Hash {
	switch a {
	case HashAlgorithmSHA1:
		return crypto.SHA1
	case HashAlgorithmSHA256:
		return crypto.SHA256
	case HashAlgorithmSHA384:
		return crypto.SHA384
	case HashAlgorithmSHA512:
		return crypto.SHA512
	case HashAlgorithmSHA3_256:
		return crypto.SHA3_256
	case HashAlgorithmSHA3_384:
		return crypto.SHA3_384
	case HashAlgorithmSHA3_512:
		return crypto.SHA3_512
	default:
		return 0
	}
}

// IsValid indicates whether this is a supported digest algorithm. Code that
// receives an algorithm from a caller should check this before calling Size.
func (a HashAlgorithmId) IsValid() bool {
	h := a.GetHash()
	return h != 0 && h.Available()
}

// NewHash constructs a new hash.Hash for this algorithm. It will panic if
// IsValid returns false.
func (a HashAlgorithmId) NewHash() hash.Hash {
	return a.GetHash().New()
}

// Size returns the digest size of the algorithm, or 0 for HashAlgorithmNull.
// It will panic for any other algorithm if IsValid returns false.
func (a HashAlgorithmId) Size() int {
	if a == HashAlgorithmNull {
		return 0
	}
	h := a.GetHash()
	if h == 0 {
		panic("unknown hash algorithm")
	}
	return h.Size()
}

// SymAlgorithmId corresponds to the TPMI_ALG_SYM type.
type SymAlgorithmId AlgorithmId

const (
	SymAlgorithmAES  SymAlgorithmId = SymAlgorithmId(AlgorithmAES)
	SymAlgorithmXOR  SymAlgorithmId = SymAlgorithmId(AlgorithmXOR)
	SymAlgorithmNull SymAlgorithmId = SymAlgorithmId(AlgorithmNull)
)

type symmetricCipher struct {
	fn        func([]byte) (cipher.Block, error)
	blockSize int
	keyBits   []uint16
}

var symmetricAlgs = map[SymAlgorithmId]*symmetricCipher{
	SymAlgorithmAES: {aes.NewCipher, aes.BlockSize, []uint16{128, 192, 256}},
}

// IsValidBlockCipher indicates whether this algorithm is a supported block
// cipher.
func (a SymAlgorithmId) IsValidBlockCipher() bool {
	_, ok := symmetricAlgs[a]
	return ok
}

// BlockSize returns the block size of the cipher. It will panic if
// IsValidBlockCipher returns false.
func (a SymAlgorithmId) BlockSize() int {
	c, ok := symmetricAlgs[a]
	if !ok {
		panic("invalid symmetric algorithm")
	}
	return c.blockSize
}

// IsValidKeySize indicates whether the supplied key size in bits is valid for
// this cipher.
func (a SymAlgorithmId) IsValidKeySize(bits uint16) bool {
	c, ok := symmetricAlgs[a]
	if !ok {
		return false
	}
	for _, b := range c.keyBits {
		if b == bits {
			return true
		}
	}
	return false
}

// NewCipher constructs a new block cipher with the supplied key.
func (a SymAlgorithmId) NewCipher(key []byte) (cipher.Block, error) {
	c, ok := symmetricAlgs[a]
	if !ok {
		return nil, errors.New("unavailable cipher")
	}
	return c.fn(key)
}

// SymObjectAlgorithmId corresponds to the TPMI_ALG_SYM_OBJECT type.
type SymObjectAlgorithmId AlgorithmId

const (
	SymObjectAlgorithmAES  SymObjectAlgorithmId = SymObjectAlgorithmId(AlgorithmAES)
	SymObjectAlgorithmNull SymObjectAlgorithmId = SymObjectAlgorithmId(AlgorithmNull)
)

// SymModeId corresponds to the TPMI_ALG_SYM_MODE type.
type SymModeId AlgorithmId

const (
	SymModeCFB  SymModeId = SymModeId(AlgorithmCFB)
	SymModeNull SymModeId = SymModeId(AlgorithmNull)
)

// SymDefObject corresponds to the TPMT_SYM_DEF_OBJECT type. Only block
// ciphers in CFB mode are supported, and the key bits and mode fields are
// absent when Algorithm is SymObjectAlgorithmNull.
type SymDefObject struct {
	Algorithm SymObjectAlgorithmId
	KeyBits   uint16
	Mode      SymModeId
}

// IsNull indicates that no symmetric algorithm is defined.
func (d *SymDefObject) IsNull() bool {
	return d == nil || d.Algorithm == SymObjectAlgorithmNull
}

func (d *SymDefObject) cipher() SymAlgorithmId {
	return SymAlgorithmId(d.Algorithm)
}

func (d *SymDefObject) check() error {
	if d.IsNull() {
		return nil
	}
	if !d.cipher().IsValidBlockCipher() {
		return errCode(ErrorSymmetric)
	}
	if !d.cipher().IsValidKeySize(d.KeyBits) {
		return errCode(ErrorKeySize)
	}
	if d.Mode != SymModeCFB {
		return errCode(ErrorMode)
	}
	return nil
}

// ObjectTypeId corresponds to the TPMI_ALG_PUBLIC type.
type ObjectTypeId AlgorithmId

const (
	ObjectTypeRSA       ObjectTypeId = ObjectTypeId(AlgorithmRSA)
	ObjectTypeKeyedHash ObjectTypeId = ObjectTypeId(AlgorithmKeyedHash)
	ObjectTypeECC       ObjectTypeId = ObjectTypeId(AlgorithmECC)
	ObjectTypeSymCipher ObjectTypeId = ObjectTypeId(AlgorithmSymCipher)
)

// SigSchemeId corresponds to the TPMI_ALG_SIG_SCHEME type.
type SigSchemeId AlgorithmId

const (
	SigSchemeAlgHMAC   SigSchemeId = SigSchemeId(AlgorithmHMAC)
	SigSchemeAlgRSASSA SigSchemeId = SigSchemeId(AlgorithmRSASSA)
	SigSchemeAlgRSAPSS SigSchemeId = SigSchemeId(AlgorithmRSAPSS)
	SigSchemeAlgECDSA  SigSchemeId = SigSchemeId(AlgorithmECDSA)
	SigSchemeAlgNull   SigSchemeId = SigSchemeId(AlgorithmNull)
)

// ECCCurve corresponds to the TPM_ECC_CURVE type.
type ECCCurve uint16

const (
	ECCCurveNIST_P256 ECCCurve = 0x0003
	ECCCurveNIST_P384 ECCCurve = 0x0004
)

// GoCurve returns the equivalent elliptic.Curve, or nil if the curve is not
// supported.
func (c ECCCurve) GoCurve() elliptic.Curve {
	switch c {
	case ECCCurveNIST_P256:
		return elliptic.P256()
	case ECCCurveNIST_P384:
		return elliptic.P384()
	}
	return nil
}
