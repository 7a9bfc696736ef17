// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package crypt contains the key derivation and symmetric helpers shared by the
// wrapping, context and session code.
package crypt

import (
	"crypto"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"hash"

	kdf "github.com/canonical/go-sp800.108-kdf"
)

// KDFa performs key derivation using the counter mode described in SP800-108
// and HMAC as the PRF. The two context values are concatenated.
func KDFa(hashAlg crypto.Hash, key, label, contextU, contextV []byte, sizeInBits int) []byte {
	context := make([]byte, len(contextU)+len(contextV))
	copy(context, contextU)
	copy(context[len(contextU):], contextV)
	return kdf.CounterModeKey(kdf.NewHMACPRF(hashAlg), key, label, context, uint32(sizeInBits))
}

// HMAC computes the HMAC of the concatenation of the supplied data.
func HMAC(hashAlg crypto.Hash, key []byte, data ...[]byte) []byte {
	h := hmac.New(func() hash.Hash { return hashAlg.New() }, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Digest computes the digest of the concatenation of the supplied data.
func Digest(hashAlg crypto.Hash, data ...[]byte) []byte {
	h := hashAlg.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// EncryptCFB encrypts data in place using CFB mode. A nil iv is treated as a
// zero IV.
func EncryptCFB(block cipher.Block, iv, data []byte) error {
	iv, err := checkIV(block, iv)
	if err != nil {
		return err
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(data, data)
	return nil
}

// DecryptCFB decrypts data in place using CFB mode. A nil iv is treated as a
// zero IV.
func DecryptCFB(block cipher.Block, iv, data []byte) error {
	iv, err := checkIV(block, iv)
	if err != nil {
		return err
	}
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(data, data)
	return nil
}

func checkIV(block cipher.Block, iv []byte) ([]byte, error) {
	switch {
	case iv == nil:
		return make([]byte, block.BlockSize()), nil
	case len(iv) != block.BlockSize():
		return nil, errors.New("invalid IV length")
	}
	return iv, nil
}
