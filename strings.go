// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"fmt"
	"strings"
)

func makeDefaultFormatter(s fmt.State, f rune) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%%")
	for _, flag := range [...]int{'+', '-', '#', ' ', '0'} {
		if s.Flag(flag) {
			fmt.Fprintf(&builder, "%c", flag)
		}
	}
	if width, ok := s.Width(); ok {
		fmt.Fprintf(&builder, "%d", width)
	}
	if prec, ok := s.Precision(); ok {
		fmt.Fprintf(&builder, ".%d", prec)
	}
	fmt.Fprintf(&builder, "%c", f)
	return builder.String()
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint32(e))
}

func (e ErrorCode) Format(s fmt.State, f rune) {
	switch f {
	case 's', 'v':
		fmt.Fprintf(s, "%s", e.String())
	default:
		fmt.Fprintf(s, makeDefaultFormatter(s, f), uint32(e))
	}
}

func (e WarningCode) String() string {
	if name, ok := warningCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint32(e))
}

func (e WarningCode) Format(s fmt.State, f rune) {
	switch f {
	case 's', 'v':
		fmt.Fprintf(s, "%s", e.String())
	default:
		fmt.Fprintf(s, makeDefaultFormatter(s, f), uint32(e))
	}
}

func (k HandleKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindPersistent:
		return "persistent"
	case KindNVIndex:
		return "nv-index"
	case KindPCR:
		return "pcr"
	case KindHMACSession:
		return "hmac-session"
	case KindPolicySession:
		return "policy-session"
	default:
		return "invalid"
	}
}

var (
	errorCodeNames = map[ErrorCode]string{
		ErrorInitialize:      "TPM_RC_INITIALIZE",
		ErrorFailure:         "TPM_RC_FAILURE",
		ErrorSequence:        "TPM_RC_SEQUENCE",
		ErrorDisabled:        "TPM_RC_DISABLED",
		ErrorAuthType:        "TPM_RC_AUTH_TYPE",
		ErrorAuthMissing:     "TPM_RC_AUTH_MISSING",
		ErrorPolicy:          "TPM_RC_POLICY",
		ErrorPCR:             "TPM_RC_PCR",
		ErrorPCRChanged:      "TPM_RC_PCR_CHANGED",
		ErrorTooManyContexts: "TPM_RC_TOO_MANY_CONTEXTS",
		ErrorAuthUnavailable: "TPM_RC_AUTH_UNAVAILABLE",
		ErrorReboot:          "TPM_RC_REBOOT",
		ErrorCommandCode:     "TPM_RC_COMMAND_CODE",
		ErrorAuthContext:     "TPM_RC_AUTH_CONTEXT",
		ErrorNVRange:         "TPM_RC_NV_RANGE",
		ErrorNVSize:          "TPM_RC_NV_SIZE",
		ErrorNVLocked:        "TPM_RC_NV_LOCKED",
		ErrorNVAuthorization: "TPM_RC_NV_AUTHORIZATION",
		ErrorNVUninitialized: "TPM_RC_NV_UNINITIALIZED",
		ErrorNVSpace:         "TPM_RC_NV_SPACE",
		ErrorNVDefined:       "TPM_RC_NV_DEFINED",
		ErrorBadContext:      "TPM_RC_BAD_CONTEXT",
		ErrorCpHash:          "TPM_RC_CPHASH",
		ErrorParent:          "TPM_RC_PARENT",
		ErrorSensitive:       "TPM_RC_SENSITIVE",
		ErrorAsymmetric:      "TPM_RC_ASYMMETRIC",
		ErrorAttributes:      "TPM_RC_ATTRIBUTES",
		ErrorHash:            "TPM_RC_HASH",
		ErrorValue:           "TPM_RC_VALUE",
		ErrorHierarchy:       "TPM_RC_HIERARCHY",
		ErrorKeySize:         "TPM_RC_KEY_SIZE",
		ErrorMode:            "TPM_RC_MODE",
		ErrorType:            "TPM_RC_TYPE",
		ErrorHandle:          "TPM_RC_HANDLE",
		ErrorKDF:             "TPM_RC_KDF",
		ErrorRange:           "TPM_RC_RANGE",
		ErrorAuthFail:        "TPM_RC_AUTH_FAIL",
		ErrorNonce:           "TPM_RC_NONCE",
		ErrorPP:              "TPM_RC_PP",
		ErrorScheme:          "TPM_RC_SCHEME",
		ErrorSize:            "TPM_RC_SIZE",
		ErrorSymmetric:       "TPM_RC_SYMMETRIC",
		ErrorTag:             "TPM_RC_TAG",
		ErrorSelector:        "TPM_RC_SELECTOR",
		ErrorInsufficient:    "TPM_RC_INSUFFICIENT",
		ErrorSignature:       "TPM_RC_SIGNATURE",
		ErrorKey:             "TPM_RC_KEY",
		ErrorPolicyFail:      "TPM_RC_POLICY_FAIL",
		ErrorIntegrity:       "TPM_RC_INTEGRITY",
		ErrorTicket:          "TPM_RC_TICKET",
		ErrorReservedBits:    "TPM_RC_RESERVED_BITS",
		ErrorBadAuth:         "TPM_RC_BAD_AUTH",
		ErrorExpired:         "TPM_RC_EXPIRED",
		ErrorPolicyCC:        "TPM_RC_POLICY_CC",
		ErrorBinding:         "TPM_RC_BINDING",
		ErrorCurve:           "TPM_RC_CURVE",
		ErrorECCPoint:        "TPM_RC_ECC_POINT",
	}

	warningCodeNames = map[WarningCode]string{
		WarningContextGap:     "TPM_RC_CONTEXT_GAP",
		WarningObjectMemory:   "TPM_RC_OBJECT_MEMORY",
		WarningSessionMemory:  "TPM_RC_SESSION_MEMORY",
		WarningMemory:         "TPM_RC_MEMORY",
		WarningSessionHandles: "TPM_RC_SESSION_HANDLES",
		WarningObjectHandles:  "TPM_RC_OBJECT_HANDLES",
		WarningLocality:       "TPM_RC_LOCALITY",
		WarningReferenceH0:    "TPM_RC_REFERENCE_H0",
		WarningReferenceS0:    "TPM_RC_REFERENCE_S0",
		WarningNVRate:         "TPM_RC_NV_RATE",
		WarningLockout:        "TPM_RC_LOCKOUT",
		WarningRetry:          "TPM_RC_RETRY",
		WarningNVUnavailable:  "TPM_RC_NV_UNAVAILABLE",
	}

	errorCodeDescriptions = map[ErrorCode]string{
		ErrorInitialize:      "TPM not initialized by TPM2_Startup or already initialized",
		ErrorFailure:         "commands not being accepted because of a TPM failure",
		ErrorSequence:        "improper use of a sequence handle",
		ErrorDisabled:        "the command is disabled",
		ErrorAuthType:        "authorization handle is not correct for command",
		ErrorAuthMissing:     "command requires an authorization session for handle and it is not present",
		ErrorPolicy:          "policy failure in math operation or an invalid authPolicy value",
		ErrorPCR:             "PCR check fail",
		ErrorPCRChanged:      "PCR have changed since checked",
		ErrorTooManyContexts: "context ID counter is at maximum",
		ErrorAuthUnavailable: "authValue or authPolicy is not available for selected entity",
		ErrorReboot: "a _TPM_Init and Startup(CLEAR) is required before the TPM can resume " +
			"operation",
		ErrorCommandCode: "command code not supported",
		ErrorAuthContext: "use of an authorization session with a context command or another command that cannot have an authorization session",
		ErrorNVRange:     "NV offset+size is out of range",
		ErrorNVSize:      "Requested allocation size is larger than allowed",
		ErrorNVLocked:    "NV access locked",
		ErrorNVAuthorization: "NV access authorization fails in command actions (this failure does " +
			"not affect lockout.action)",
		ErrorNVUninitialized: "an NV Index is used before being initialized or the state saved by " +
			"TPM2_Shutdown(STATE) could not be restored",
		ErrorNVSpace:    "insufficient space for NV allocation",
		ErrorNVDefined:  "NV Index or persistent object already defined",
		ErrorBadContext: "context in TPM2_ContextLoad() is not valid",
		ErrorCpHash:     "cpHash value already set or not correct for use",
		ErrorParent:     "handle for parent is not a valid parent",
		ErrorSensitive:  "the sensitive area did not unmarshal correctly after decryption",

		ErrorAsymmetric: "asymmetric algorithm not supported or not correct",
		ErrorAttributes: "inconsistent attributes",
		ErrorHash:       "hash algorithm not supported or not appropriate",
		ErrorValue:      "value is out of range or is not correct for the context",
		ErrorHierarchy:  "hierarchy is not enabled or is not correct for the use",
		ErrorKeySize:    "key size is not supported",
		ErrorMode:       "mode of operation not supported",
		ErrorType:       "the type of the value is not appropriate for the use",
		ErrorHandle:     "the handle is not correct for the use",
		ErrorKDF:        "unsupported key derivation function or function not appropriate for use",
		ErrorRange:      "value was out of allowed range",
		ErrorAuthFail:   "the authorization HMAC check failed and DA counter incremented",
		ErrorNonce:      "invalid nonce size or nonce value mismatch",
		ErrorPP:         "authorization requires assertion of PP",
		ErrorScheme:     "unsupported or incompatible scheme",
		ErrorSize:       "structure is the wrong size",
		ErrorSymmetric:  "unsupported symmetric algorithm or key size, or not appropriate for instance",
		ErrorTag:        "incorrect structure tag",
		ErrorSelector:   "union selector is incorrect",
		ErrorInsufficient: "the TPM was unable to unmarshal a value because there were not enough " +
			"octets in the input buffer",
		ErrorSignature:    "the signature is not valid",
		ErrorKey:          "key fields are not compatible with the selected use",
		ErrorPolicyFail:   "a policy check failed",
		ErrorIntegrity:    "integrity check failed",
		ErrorTicket:       "invalid ticket",
		ErrorReservedBits: "reserved bits not set to zero as required",
		ErrorBadAuth:      "authorization failure without DA implications",
		ErrorExpired:      "the policy has expired",
		ErrorPolicyCC: "the commandCode in the policy is not the commandCode of the command or the " +
			"command code in a policy command references a command that is not implemented",
		ErrorBinding:  "public and sensitive portions of an object are not cryptographically bound",
		ErrorCurve:    "curve not supported",
		ErrorECCPoint: "point is not on the required curve"}

	warningCodeDescriptions = map[WarningCode]string{
		WarningContextGap:    "gap for context ID is too large",
		WarningObjectMemory:  "out of memory for object contexts",
		WarningSessionMemory: "out of memory for session contexts",
		WarningMemory:        "out of shared object/session memory or need space for internal operations",
		WarningSessionHandles: "out of session handles - a session must be flushed before a new " +
			"session may be created",
		WarningObjectHandles: "out of object handles - the handle space for objects is depleted and " +
			"a reboot is required",
		WarningLocality: "bad locality",
		WarningReferenceH0: "the 1st handle in the handle area references a transient object or " +
			"session that is not loaded",
		WarningReferenceS0: "the 1st authorization session handle references a session that is not " +
			"loaded",
		WarningNVRate: "the TPM is rate-limiting accesses to prevent wearout of NV",
		WarningLockout: "authorizations for objects subject to DA protection are not allowed at this " +
			"time because the TPM is in DA lockout mode",
		WarningRetry:         "the TPM was not able to start the command",
		WarningNVUnavailable: "the command may require writing of NV and NV is not current accessible"}
)
