// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	drbg "github.com/canonical/go-sp800.90a-drbg"
	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm/internal/crypt"
)

// random returns n bytes from the TPM's RNG. The default RNG can't fail once
// instantiated, so a read failure is a programming error.
func (t *TPM) random(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(t.rand, b); err != nil {
		panic(fmt.Sprintf("cannot read random bytes: %v", err))
	}
	return b
}

func cryptDigest(alg HashAlgorithmId, data ...[]byte) Digest {
	return crypt.Digest(alg.GetHash(), data...)
}

func cryptHMAC(alg HashAlgorithmId, key []byte, data ...[]byte) Digest {
	return crypt.HMAC(alg.GetHash(), key, data...)
}

func cryptKDFa(alg HashAlgorithmId, key []byte, label string, contextU, contextV []byte, sizeInBits int) []byte {
	return crypt.KDFa(alg.GetHash(), key, []byte(label), contextU, contextV, sizeInBits)
}

func cryptSymmetricEncrypt(alg SymAlgorithmId, key, iv, data []byte) error {
	c, err := alg.NewCipher(key)
	if err != nil {
		return xerrors.Errorf("cannot create cipher: %w", err)
	}
	return crypt.EncryptCFB(c, iv, data)
}

func cryptSymmetricDecrypt(alg SymAlgorithmId, key, iv, data []byte) error {
	c, err := alg.NewCipher(key)
	if err != nil {
		return xerrors.Errorf("cannot create cipher: %w", err)
	}
	return crypt.DecryptCFB(c, iv, data)
}

func uint16Bytes(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// primaryRand returns a deterministic RNG for deriving a primary object from
// a hierarchy seed and the marshalled template. The same seed and template
// always produce the same object.
func primaryRand(nameAlg HashAlgorithmId, seed, template []byte) (io.Reader, error) {
	h := nameAlg.GetHash()
	nonce := cryptDigest(nameAlg, template)
	rng, err := drbg.NewHMACWithExternalEntropy(h, seed, nonce, []byte("Primary Object Creation"), nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot instantiate DRBG: %w", err)
	}
	return rng, nil
}

// newECCKey derives a private key on the specified curve from rand. This
// consumes a fixed number of bytes so that a deterministic source always
// produces the same key.
func newECCKey(curve elliptic.Curve, rand io.Reader) (*ecdsa.PrivateKey, error) {
	params := curve.Params()
	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(rand, b); err != nil {
		return nil, err
	}

	n := new(big.Int).Sub(params.N, big.NewInt(1))
	d := new(big.Int).SetBytes(b)
	d.Mod(d, n)
	d.Add(d, big.NewInt(1))

	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return key, nil
}

// eccPrivateKey reconstructs the private key of a loaded ECC object.
func eccPrivateKey(pub *Public, sensitive []byte) (*ecdsa.PrivateKey, error) {
	curve := pub.Params.CurveID.GoCurve()
	if curve == nil {
		return nil, errCode(ErrorCurve)
	}
	d := new(big.Int).SetBytes(sensitive)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errCode(ErrorBinding)
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return key, nil
}

func eccFieldBytes(curve elliptic.Curve, v *big.Int) []byte {
	b := make([]byte, (curve.Params().BitSize+7)/8)
	return v.FillBytes(b)
}

// cryptVerifySignature verifies sig over digest with a loaded object. It
// returns an ErrorSignature error if the signature is invalid.
func cryptVerifySignature(obj *object, digest []byte, sig *Signature) error {
	pub := &obj.Public
	if pub.Attrs&AttrSign == 0 {
		return errCode(ErrorAttributes)
	}
	if !sig.Hash.IsValid() {
		return errCode(ErrorHash)
	}

	switch sig.SigAlg {
	case SigSchemeAlgHMAC:
		if pub.Type != ObjectTypeKeyedHash || obj.PublicOnly {
			return errCode(ErrorScheme)
		}
		expected := cryptHMAC(sig.Hash, obj.Sensitive.Sensitive, digest)
		if !bytes.Equal(expected, sig.Sig) {
			return errCode(ErrorSignature)
		}
		return nil
	case SigSchemeAlgECDSA:
		if pub.Type != ObjectTypeECC {
			return errCode(ErrorScheme)
		}
		key, err := pub.PublicKey()
		if err != nil {
			return errCode(ErrorKey)
		}
		r := new(big.Int).SetBytes(sig.R)
		s := new(big.Int).SetBytes(sig.S)
		if !ecdsa.Verify(key.(*ecdsa.PublicKey), digest, r, s) {
			return errCode(ErrorSignature)
		}
		return nil
	case SigSchemeAlgRSASSA, SigSchemeAlgRSAPSS:
		if pub.Type != ObjectTypeRSA {
			return errCode(ErrorScheme)
		}
		key, err := pub.PublicKey()
		if err != nil {
			return errCode(ErrorKey)
		}
		h := sig.Hash.GetHash()
		if sig.SigAlg == SigSchemeAlgRSASSA {
			err = rsa.VerifyPKCS1v15(key.(*rsa.PublicKey), h, digest, sig.Sig)
		} else {
			err = rsa.VerifyPSS(key.(*rsa.PublicKey), h, digest, sig.Sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		}
		if err != nil {
			return errCode(ErrorSignature)
		}
		return nil
	default:
		return errCode(ErrorScheme)
	}
}
