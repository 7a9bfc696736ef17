// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import "fmt"

// Handle corresponds to the TPM_HANDLE type, and is a numeric
// identifier that references a resource on the TPM.
type Handle uint32

const (
	HandleOwner       Handle = 0x40000001
	HandleNull        Handle = 0x40000007
	HandleUnassigned  Handle = 0x40000008
	HandlePW          Handle = 0x40000009
	HandleLockout     Handle = 0x4000000a
	HandleEndorsement Handle = 0x4000000b
	HandlePlatform    Handle = 0x4000000c
	HandlePlatformNV  Handle = 0x4000000d

	transientFirst Handle = 0x80000000

	// Handles recorded in saved contexts for objects. A sequence object
	// and an object with the stClear attribute are distinguished so that
	// loading checks the right counters.
	contextHandleObject   Handle = 0x80000000
	contextHandleSequence Handle = 0x80000001
	contextHandleStClear  Handle = 0x80000002
)

// Type returns the type of the handle.
func (h Handle) Type() HandleType {
	return HandleType(h >> 24)
}

// Kind returns the kind of entity that the handle refers to.
func (h Handle) Kind() HandleKind {
	switch h.Type() {
	case HandleTypePCR:
		return KindPCR
	case HandleTypeNVIndex:
		return KindNVIndex
	case HandleTypeHMACSession:
		return KindHMACSession
	case HandleTypePolicySession:
		return KindPolicySession
	case HandleTypePermanent:
		return KindPermanent
	case HandleTypeTransient:
		return KindTransient
	case HandleTypePersistent:
		return KindPersistent
	default:
		return KindInvalid
	}
}

func (h Handle) String() string {
	switch h {
	case HandleOwner:
		return "TPM_RH_OWNER"
	case HandleNull:
		return "TPM_RH_NULL"
	case HandlePW:
		return "TPM_RS_PW"
	case HandleLockout:
		return "TPM_RH_LOCKOUT"
	case HandleEndorsement:
		return "TPM_RH_ENDORSEMENT"
	case HandlePlatform:
		return "TPM_RH_PLATFORM"
	case HandlePlatformNV:
		return "TPM_RH_PLATFORM_NV"
	default:
		return fmt.Sprintf("0x%08x", uint32(h))
	}
}

// HandleType corresponds to the TPM_HT type, and is used to
// identify the type of a Handle.
type HandleType uint8

const (
	HandleTypePCR           HandleType = 0x00
	HandleTypeNVIndex       HandleType = 0x01
	HandleTypeHMACSession   HandleType = 0x02
	HandleTypePolicySession HandleType = 0x03
	HandleTypePermanent     HandleType = 0x40
	HandleTypeTransient     HandleType = 0x80
	HandleTypePersistent    HandleType = 0x81
)

// BaseHandle returns the first handle for the handle type.
func (h HandleType) BaseHandle() Handle {
	return Handle(h) << 24
}

// HandleKind is the closed set of entity kinds that a handle can refer to.
type HandleKind int

const (
	KindInvalid HandleKind = iota
	KindPermanent
	KindTransient
	KindPersistent
	KindNVIndex
	KindPCR
	KindHMACSession
	KindPolicySession
)

// IsSession indicates whether the kind is an HMAC or policy session.
func (k HandleKind) IsSession() bool {
	return k == KindHMACSession || k == KindPolicySession
}

func isHierarchy(h Handle) bool {
	switch h {
	case HandleOwner, HandleEndorsement, HandlePlatform, HandleNull:
		return true
	}
	return false
}
