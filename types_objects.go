// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/canonical/go-swtpm/mu"
)

// ObjectAttributes corresponds to the TPMA_OBJECT type.
type ObjectAttributes uint32

const (
	AttrFixedTPM             ObjectAttributes = 1 << 1
	AttrStClear              ObjectAttributes = 1 << 2
	AttrFixedParent          ObjectAttributes = 1 << 4
	AttrSensitiveDataOrigin  ObjectAttributes = 1 << 5
	AttrUserWithAuth         ObjectAttributes = 1 << 6
	AttrAdminWithPolicy      ObjectAttributes = 1 << 7
	AttrNoDA                 ObjectAttributes = 1 << 10
	AttrEncryptedDuplication ObjectAttributes = 1 << 11
	AttrRestricted           ObjectAttributes = 1 << 16
	AttrDecrypt              ObjectAttributes = 1 << 17
	AttrSign                 ObjectAttributes = 1 << 18

	attrReserved ObjectAttributes = ^(AttrFixedTPM | AttrStClear | AttrFixedParent | AttrSensitiveDataOrigin |
		AttrUserWithAuth | AttrAdminWithPolicy | AttrNoDA | AttrEncryptedDuplication | AttrRestricted |
		AttrDecrypt | AttrSign)
)

func (d SymDefObject) Marshal(w io.Writer) error {
	if _, err := mu.MarshalToWriter(w, d.Algorithm); err != nil {
		return err
	}
	if d.Algorithm == SymObjectAlgorithmNull {
		return nil
	}
	_, err := mu.MarshalToWriter(w, d.KeyBits, d.Mode)
	return err
}

func (d *SymDefObject) Unmarshal(r mu.Reader) error {
	if _, err := mu.UnmarshalFromReader(r, &d.Algorithm); err != nil {
		return err
	}
	if d.Algorithm == SymObjectAlgorithmNull {
		d.KeyBits = 0
		d.Mode = SymModeNull
		return nil
	}
	_, err := mu.UnmarshalFromReader(r, &d.KeyBits, &d.Mode)
	return err
}

// SigScheme corresponds to the TPMT_SIG_SCHEME and TPMT_KEYEDHASH_SCHEME
// types.
type SigScheme struct {
	Scheme SigSchemeId
	Hash   HashAlgorithmId
}

func (s SigScheme) Marshal(w io.Writer) error {
	if _, err := mu.MarshalToWriter(w, s.Scheme); err != nil {
		return err
	}
	if s.Scheme == SigSchemeAlgNull {
		return nil
	}
	_, err := mu.MarshalToWriter(w, s.Hash)
	return err
}

func (s *SigScheme) Unmarshal(r mu.Reader) error {
	if _, err := mu.UnmarshalFromReader(r, &s.Scheme); err != nil {
		return err
	}
	if s.Scheme == SigSchemeAlgNull {
		s.Hash = 0
		return nil
	}
	_, err := mu.UnmarshalFromReader(r, &s.Hash)
	return err
}

// PublicParams contains the algorithm specific parameters of a public area.
// Which fields are used depends on the object type:
//   - ObjectTypeKeyedHash: Scheme
//   - ObjectTypeSymCipher: Symmetric
//   - ObjectTypeRSA: Symmetric, Scheme, KeyBits and Exponent
//   - ObjectTypeECC: Symmetric, Scheme and CurveID
type PublicParams struct {
	Symmetric SymDefObject
	Scheme    SigScheme
	KeyBits   uint16
	Exponent  uint32
	CurveID   ECCCurve
}

// PublicID contains the unique field of a public area. Data is the RSA
// modulus or the digest for keyed hash and symmetric objects. X and Y are the
// ECC public point.
type PublicID struct {
	Data []byte
	X    []byte
	Y    []byte
}

// Public corresponds to the TPMT_PUBLIC type.
type Public struct {
	Type       ObjectTypeId
	NameAlg    HashAlgorithmId
	Attrs      ObjectAttributes
	AuthPolicy Digest
	Params     PublicParams
	Unique     PublicID
}

func (p Public) Marshal(w io.Writer) error {
	if _, err := mu.MarshalToWriter(w, p.Type, p.NameAlg, p.Attrs, p.AuthPolicy); err != nil {
		return err
	}

	var err error
	switch p.Type {
	case ObjectTypeKeyedHash:
		_, err = mu.MarshalToWriter(w, p.Params.Scheme, p.Unique.Data)
	case ObjectTypeSymCipher:
		_, err = mu.MarshalToWriter(w, p.Params.Symmetric, p.Unique.Data)
	case ObjectTypeRSA:
		_, err = mu.MarshalToWriter(w, p.Params.Symmetric, p.Params.Scheme, p.Params.KeyBits, p.Params.Exponent, p.Unique.Data)
	case ObjectTypeECC:
		_, err = mu.MarshalToWriter(w, p.Params.Symmetric, p.Params.Scheme, p.Params.CurveID, AlgorithmNull, p.Unique.X, p.Unique.Y)
	default:
		err = fmt.Errorf("invalid object type %#x", uint16(p.Type))
	}
	return err
}

func (p *Public) Unmarshal(r mu.Reader) error {
	if _, err := mu.UnmarshalFromReader(r, &p.Type, &p.NameAlg, &p.Attrs, &p.AuthPolicy); err != nil {
		return err
	}

	var err error
	switch p.Type {
	case ObjectTypeKeyedHash:
		_, err = mu.UnmarshalFromReader(r, &p.Params.Scheme, &p.Unique.Data)
	case ObjectTypeSymCipher:
		_, err = mu.UnmarshalFromReader(r, &p.Params.Symmetric, &p.Unique.Data)
	case ObjectTypeRSA:
		_, err = mu.UnmarshalFromReader(r, &p.Params.Symmetric, &p.Params.Scheme, &p.Params.KeyBits, &p.Params.Exponent, &p.Unique.Data)
	case ObjectTypeECC:
		var kdf AlgorithmId
		_, err = mu.UnmarshalFromReader(r, &p.Params.Symmetric, &p.Params.Scheme, &p.Params.CurveID, &kdf, &p.Unique.X, &p.Unique.Y)
		if err == nil && kdf != AlgorithmNull {
			err = errors.New("unsupported KDF")
		}
	default:
		err = fmt.Errorf("invalid object type %#x", uint16(p.Type))
	}
	return err
}

// Name computes the name of the object from its public area.
func (p *Public) Name() (Name, error) {
	if !p.NameAlg.IsValid() {
		return nil, errors.New("unsupported name algorithm")
	}
	b, err := mu.MarshalToBytes(p)
	if err != nil {
		return nil, err
	}
	return computeName(p.NameAlg, b), nil
}

// IsStorageParent indicates whether the object can protect other objects.
func (p *Public) IsStorageParent() bool {
	if p.Attrs&(AttrRestricted|AttrDecrypt|AttrSign) != AttrRestricted|AttrDecrypt {
		return false
	}
	switch p.Type {
	case ObjectTypeSymCipher, ObjectTypeRSA, ObjectTypeECC:
		return !p.Params.Symmetric.IsNull()
	}
	return false
}

// PublicKey returns the public key for an asymmetric object.
func (p *Public) PublicKey() (crypto.PublicKey, error) {
	switch p.Type {
	case ObjectTypeRSA:
		exp := int(p.Params.Exponent)
		if exp == 0 {
			exp = 65537
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(p.Unique.Data), E: exp}, nil
	case ObjectTypeECC:
		curve := p.Params.CurveID.GoCurve()
		if curve == nil {
			return nil, errors.New("unsupported curve")
		}
		x := new(big.Int).SetBytes(p.Unique.X)
		y := new(big.Int).SetBytes(p.Unique.Y)
		if !curve.IsOnCurve(x, y) {
			return nil, errors.New("public point is not on the curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, errors.New("object does not have a public key")
	}
}

// Sensitive corresponds to the TPMT_SENSITIVE type. Sensitive holds the
// symmetric key, HMAC key or sealed data, or the private ECC scalar.
type Sensitive struct {
	Type      ObjectTypeId
	AuthValue Auth
	SeedValue Digest
	Sensitive []byte
}
