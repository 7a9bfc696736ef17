// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"crypto/hmac"

	"github.com/canonical/go-swtpm/mu"
)

// protector describes the key material used to apply an outer wrap. For a
// storage parent, this is its name algorithm, symmetric definition and seed
// value. For duplication and credentials, the seed is supplied by the caller.
type protector struct {
	nameAlg   HashAlgorithmId
	symmetric SymDefObject
	seed      []byte
}

// objectProtector returns the protector for objects created under parent.
func objectProtector(parent *object) *protector {
	return &protector{
		nameAlg:   parent.Public.NameAlg,
		symmetric: parent.Public.Params.Symmetric,
		seed:      parent.Sensitive.SeedValue}
}

func (p *protector) symKey(name Name) []byte {
	return cryptKDFa(p.nameAlg, p.seed, labelStorage, name, nil, int(p.symmetric.KeyBits))
}

func (p *protector) hmacKey() []byte {
	return cryptKDFa(p.nameAlg, p.seed, labelIntegrity, nil, nil, p.nameAlg.Size()*8)
}

// outerWrap encrypts data with a key derived from the protector's seed and
// name, and prepends an HMAC over the result. If iv is not nil, it is used for
// encryption and included in the blob. The returned layout is:
//
//	[2B integrity][2B iv (optional)][encrypted data]
func outerWrap(p *protector, name Name, iv, data []byte) ([]byte, error) {
	enc := append([]byte(nil), data...)
	if err := cryptSymmetricEncrypt(p.symmetric.cipher(), p.symKey(name), iv, enc); err != nil {
		return nil, err
	}

	var ivField []byte
	if iv != nil {
		ivField = mu.MustMarshalToBytes(iv)
	}
	integrity := cryptHMAC(p.nameAlg, p.hmacKey(), ivField, enc, name)
	return mu.MarshalToBytes(integrity, mu.RawBytes(ivField), mu.RawBytes(enc))
}

// outerUnwrap verifies and decrypts a blob created by outerWrap. The
// integrity value is checked before anything is decrypted, and a mismatch
// returns ErrorIntegrity.
func outerUnwrap(p *protector, name Name, useIV bool, blob []byte) ([]byte, error) {
	var integrity []byte
	n, err := mu.UnmarshalFromBytes(blob, &integrity)
	if err != nil {
		return nil, errCode(ErrorIntegrity)
	}
	if len(integrity) != p.nameAlg.Size() {
		return nil, errCode(ErrorIntegrity)
	}
	rest := blob[n:]

	var iv, ivField []byte
	if useIV {
		n, err := mu.UnmarshalFromBytes(rest, &iv)
		if err != nil {
			return nil, errCode(ErrorIntegrity)
		}
		ivField = rest[:n]
		rest = rest[n:]
	}

	expected := cryptHMAC(p.nameAlg, p.hmacKey(), ivField, rest, name)
	if !hmac.Equal(expected, integrity) {
		return nil, errCode(ErrorIntegrity)
	}

	if useIV && len(iv) != p.symmetric.cipher().BlockSize() {
		return nil, errCode(ErrorValue)
	}
	if !useIV {
		iv = nil
	}
	data := append([]byte(nil), rest...)
	if err := cryptSymmetricDecrypt(p.symmetric.cipher(), p.symKey(name), iv, data); err != nil {
		return nil, err
	}
	return data, nil
}

// innerWrap protects data with a digest computed with the object's name
// algorithm and encrypts the result with key using a zero IV. The layout
// before encryption is:
//
//	[2B H(data || name)][data]
func innerWrap(nameAlg HashAlgorithmId, sym *SymDefObject, key []byte, name Name, data []byte) ([]byte, error) {
	integrity := cryptDigest(nameAlg, data, name)
	b, err := mu.MarshalToBytes(integrity, mu.RawBytes(data))
	if err != nil {
		return nil, err
	}
	if err := cryptSymmetricEncrypt(sym.cipher(), key, nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

func innerUnwrap(nameAlg HashAlgorithmId, sym *SymDefObject, key []byte, name Name, blob []byte) ([]byte, error) {
	b := append([]byte(nil), blob...)
	if err := cryptSymmetricDecrypt(sym.cipher(), key, nil, b); err != nil {
		return nil, err
	}

	var integrity []byte
	n, err := mu.UnmarshalFromBytes(b, &integrity)
	if err != nil {
		return nil, errCode(ErrorIntegrity)
	}
	if len(integrity) != nameAlg.Size() {
		return nil, errCode(ErrorIntegrity)
	}
	data := b[n:]
	if !hmac.Equal(cryptDigest(nameAlg, data, name), integrity) {
		return nil, errCode(ErrorIntegrity)
	}
	return data, nil
}

// wrapParams selects the protection applied to a sensitive area. An outer
// wrap is applied when outer is not nil and has a non-empty seed. An inner
// wrap is applied when innerSym is not null.
type wrapParams struct {
	name Name

	outer *protector
	useIV bool

	innerAlg HashAlgorithmId
	innerSym *SymDefObject
	innerKey []byte
}

func (w *wrapParams) hasOuter() bool {
	return w.outer != nil && len(w.outer.seed) > 0
}

// wrapSensitive marshals sens with a size prefix and applies the inner and
// outer wraps described by params.
func (t *TPM) wrapSensitive(sens *Sensitive, params *wrapParams) ([]byte, error) {
	b, err := mu.MarshalToBytes(mu.Sized(sens))
	if err != nil {
		return nil, fatal("cannot marshal sensitive area: %w", err)
	}
	if !params.innerSym.IsNull() {
		if b, err = innerWrap(params.innerAlg, params.innerSym, params.innerKey, params.name, b); err != nil {
			return nil, fatal("cannot apply inner wrap: %w", err)
		}
	}
	if params.hasOuter() {
		var iv []byte
		if params.useIV {
			iv = t.random(params.outer.symmetric.cipher().BlockSize())
		}
		if b, err = outerWrap(params.outer, params.name, iv, b); err != nil {
			return nil, fatal("cannot apply outer wrap: %w", err)
		}
	}
	return b, nil
}

// unwrapSensitive reverses wrapSensitive.
func unwrapSensitive(blob []byte, params *wrapParams) (*Sensitive, error) {
	b := blob
	if params.hasOuter() {
		var err error
		if b, err = outerUnwrap(params.outer, params.name, params.useIV, b); err != nil {
			return nil, err
		}
	}
	if !params.innerSym.IsNull() {
		var err error
		if b, err = innerUnwrap(params.innerAlg, params.innerSym, params.innerKey, params.name, b); err != nil {
			return nil, err
		}
	}

	var sens Sensitive
	if err := mu.UnmarshalExact(b, mu.Sized(&sens)); err != nil {
		return nil, errCode(ErrorSensitive)
	}
	return &sens, nil
}

// sensitiveToPrivate creates the private area of an object protected by
// parent.
func (t *TPM) sensitiveToPrivate(sens *Sensitive, name Name, parent *object) (Private, error) {
	return t.wrapSensitive(sens, &wrapParams{name: name, outer: objectProtector(parent), useIV: true})
}

// privateToSensitive recovers the sensitive area of an object protected by
// parent.
func (t *TPM) privateToSensitive(priv Private, name Name, parent *object) (*Sensitive, error) {
	return unwrapSensitive(priv, &wrapParams{name: name, outer: objectProtector(parent), useIV: true})
}
