// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"errors"

	"github.com/canonical/go-swtpm/mu"
)

// NVType corresponds to the TPM_NT type.
type NVType uint32

const (
	NVTypeOrdinary NVType = 0
	NVTypeCounter  NVType = 1
)

// WithAttrs returns NVAttributes for this type with the specified attributes set.
func (t NVType) WithAttrs(attrs NVAttributes) NVAttributes {
	return NVAttributes(t<<4) | attrs
}

// NVAttributes corresponds to the TPMA_NV type, and represents the attributes
// of a NV index. Some bits are reserved to encode the type of the index.
type NVAttributes uint32

const (
	AttrNVPPWrite        NVAttributes = 1 << 0
	AttrNVOwnerWrite     NVAttributes = 1 << 1
	AttrNVAuthWrite      NVAttributes = 1 << 2
	AttrNVPolicyWrite    NVAttributes = 1 << 3
	AttrNVPolicyDelete   NVAttributes = 1 << 10
	AttrNVWriteLocked    NVAttributes = 1 << 11
	AttrNVWriteAll       NVAttributes = 1 << 12
	AttrNVWriteDefine    NVAttributes = 1 << 13
	AttrNVWriteStClear   NVAttributes = 1 << 14
	AttrNVGlobalLock     NVAttributes = 1 << 15
	AttrNVPPRead         NVAttributes = 1 << 16
	AttrNVOwnerRead      NVAttributes = 1 << 17
	AttrNVAuthRead       NVAttributes = 1 << 18
	AttrNVPolicyRead     NVAttributes = 1 << 19
	AttrNVNoDA           NVAttributes = 1 << 25
	AttrNVOrderly        NVAttributes = 1 << 26
	AttrNVClearStClear   NVAttributes = 1 << 27
	AttrNVReadLocked     NVAttributes = 1 << 28
	AttrNVWritten        NVAttributes = 1 << 29
	AttrNVPlatformCreate NVAttributes = 1 << 30
	AttrNVReadStClear    NVAttributes = 1 << 31

	attrNVWriteMask = AttrNVPPWrite | AttrNVOwnerWrite | AttrNVAuthWrite | AttrNVPolicyWrite
	attrNVReadMask  = AttrNVPPRead | AttrNVOwnerRead | AttrNVAuthRead | AttrNVPolicyRead

	// attrNVState contains the attributes that are maintained by the TPM
	// and can't be set by NVDefineSpace.
	attrNVState = AttrNVWriteLocked | AttrNVReadLocked | AttrNVWritten
)

// Type returns the NVType encoded in a NVAttributes value.
func (a NVAttributes) Type() NVType {
	return NVType((a & 0xf0) >> 4)
}

// AttrsOnly returns the NVAttributes without the encoded NVType.
func (a NVAttributes) AttrsOnly() NVAttributes {
	return a & ^NVAttributes(0xf0)
}

// NVPublic corresponds to the TPMS_NV_PUBLIC type, which describes a NV index.
type NVPublic struct {
	Index      Handle          // Handle of the NV index
	NameAlg    HashAlgorithmId // NameAlg is the digest algorithm used to compute the name of the index
	Attrs      NVAttributes    // Attributes of this index
	AuthPolicy Digest          // Authorization policy for this index
	Size       uint16          // Size of this index
}

// Name computes the name of this NV index.
func (p *NVPublic) Name() (Name, error) {
	if !p.NameAlg.IsValid() {
		return nil, errors.New("unsupported name algorithm")
	}
	b, err := mu.MarshalToBytes(p)
	if err != nil {
		return nil, err
	}
	return computeName(p.NameAlg, b), nil
}
