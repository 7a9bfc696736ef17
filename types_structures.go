// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/canonical/go-swtpm/mu"
)

// Digest corresponds to the TPM2B_DIGEST type.
type Digest []byte

// Nonce corresponds to the TPM2B_NONCE type.
type Nonce Digest

// Auth corresponds to the TPM2B_AUTH type.
type Auth Digest

// Data corresponds to the TPM2B_DATA type.
type Data []byte

// Private corresponds to the TPM2B_PRIVATE type, and contains a wrapped
// sensitive area.
type Private []byte

// EncryptedSecret corresponds to the TPM2B_ENCRYPTED_SECRET type.
type EncryptedSecret []byte

// IDObject corresponds to the TPM2B_ID_OBJECT type, and contains a wrapped
// credential.
type IDObject []byte

// MaxBuffer corresponds to the TPM2B_MAX_BUFFER type.
type MaxBuffer []byte

// Name corresponds to the TPM2B_NAME type. For entities with a public area it
// is the name algorithm followed by the digest of the public area. For other
// entities it is the handle.
type Name []byte

// Algorithm returns the digest algorithm of this name, or HashAlgorithmNull
// if the name is a handle.
func (n Name) Algorithm() HashAlgorithmId {
	if len(n) < 2 {
		return HashAlgorithmNull
	}
	alg := HashAlgorithmId(binary.BigEndian.Uint16(n))
	if !alg.IsValid() || len(n)-2 != alg.Size() {
		return HashAlgorithmNull
	}
	return alg
}

func handleName(h Handle) Name {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(h))
	return n[:]
}

func computeName(alg HashAlgorithmId, data ...[]byte) Name {
	h := alg.NewHash()
	for _, d := range data {
		h.Write(d)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(alg))
	return append(n[:], h.Sum(nil)...)
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// Ticket corresponds to the TPMT_TK_CREATION, TPMT_TK_VERIFIED,
// TPMT_TK_AUTH and TPMT_TK_HASHCHECK types.
type Ticket struct {
	Tag       StructTag
	Hierarchy Handle
	Digest    Digest
}

// PCRSelection corresponds to the TPMS_PCR_SELECTION type.
type PCRSelection struct {
	Hash   HashAlgorithmId
	Select []int
}

func (s PCRSelection) Marshal(w io.Writer) error {
	bmp := make([]byte, 3)
	for _, pcr := range s.Select {
		if pcr < 0 {
			return errors.New("invalid PCR index")
		}
		for pcr/8 >= len(bmp) {
			bmp = append(bmp, 0)
		}
		bmp[pcr/8] |= 1 << uint(pcr%8)
	}
	if _, err := mu.MarshalToWriter(w, s.Hash, uint8(len(bmp)), mu.RawBytes(bmp)); err != nil {
		return err
	}
	return nil
}

func (s *PCRSelection) Unmarshal(r mu.Reader) error {
	var size uint8
	if _, err := mu.UnmarshalFromReader(r, &s.Hash, &size); err != nil {
		return err
	}
	bmp := make(mu.RawBytes, size)
	if _, err := mu.UnmarshalFromReader(r, &bmp); err != nil {
		return err
	}
	s.Select = nil
	for i, octet := range bmp {
		for bit := 0; bit < 8; bit++ {
			if octet&(1<<uint(bit)) != 0 {
				s.Select = append(s.Select, i*8+bit)
			}
		}
	}
	return nil
}

// PCRSelectionList corresponds to the TPML_PCR_SELECTION type.
type PCRSelectionList []PCRSelection

func (l PCRSelectionList) sorted() PCRSelectionList {
	var out PCRSelectionList
	for _, s := range l {
		sel := append([]int{}, s.Select...)
		sort.Ints(sel)
		out = append(out, PCRSelection{Hash: s.Hash, Select: sel})
	}
	return out
}

// Signature corresponds to the TPMT_SIGNATURE type. Sig contains the RSA
// signature or HMAC digest, and R and S contain an ECDSA signature.
type Signature struct {
	SigAlg SigSchemeId
	Hash   HashAlgorithmId
	Sig    []byte
	R      []byte
	S      []byte
}

func (s Signature) Marshal(w io.Writer) error {
	if _, err := mu.MarshalToWriter(w, s.SigAlg); err != nil {
		return err
	}
	switch s.SigAlg {
	case SigSchemeAlgNull:
		return nil
	case SigSchemeAlgHMAC:
		_, err := mu.MarshalToWriter(w, s.Hash, mu.RawBytes(s.Sig))
		return err
	case SigSchemeAlgRSASSA, SigSchemeAlgRSAPSS:
		_, err := mu.MarshalToWriter(w, s.Hash, s.Sig)
		return err
	case SigSchemeAlgECDSA:
		_, err := mu.MarshalToWriter(w, s.Hash, s.R, s.S)
		return err
	default:
		return errors.New("invalid signature scheme")
	}
}

func (s *Signature) Unmarshal(r mu.Reader) error {
	if _, err := mu.UnmarshalFromReader(r, &s.SigAlg); err != nil {
		return err
	}
	switch s.SigAlg {
	case SigSchemeAlgNull:
		return nil
	case SigSchemeAlgHMAC:
		if _, err := mu.UnmarshalFromReader(r, &s.Hash); err != nil {
			return err
		}
		if !s.Hash.IsValid() {
			return errors.New("invalid digest algorithm")
		}
		sig := make(mu.RawBytes, s.Hash.Size())
		if _, err := mu.UnmarshalFromReader(r, &sig); err != nil {
			return err
		}
		s.Sig = sig
		return nil
	case SigSchemeAlgRSASSA, SigSchemeAlgRSAPSS:
		_, err := mu.UnmarshalFromReader(r, &s.Hash, &s.Sig)
		return err
	case SigSchemeAlgECDSA:
		_, err := mu.UnmarshalFromReader(r, &s.Hash, &s.R, &s.S)
		return err
	default:
		return errors.New("invalid signature scheme")
	}
}

// ClockInfo corresponds to the TPMS_CLOCK_INFO type.
type ClockInfo struct {
	Clock        uint64
	ResetCount   uint32
	RestartCount uint32
	Safe         bool
}

// TimeInfo corresponds to the TPMS_TIME_INFO type.
type TimeInfo struct {
	Time      uint64
	ClockInfo ClockInfo
}

func digestListContains(list []Digest, d Digest) bool {
	for _, e := range list {
		if bytes.Equal(e, d) {
			return true
		}
	}
	return false
}
