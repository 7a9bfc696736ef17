// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import "fmt"

// CommandCode corresponds to the TPM_CC type.
type CommandCode uint32

// ResponseCode corresponds to the TPM_RC type.
type ResponseCode uint32

// StructTag corresponds to the TPM_ST type.
type StructTag uint16

// StartupType corresponds to the TPM_SU type.
type StartupType uint16

// SessionType corresponds to the TPM_SE type.
type SessionType uint8

// ArithmeticOp corresponds to the TPM_EO type.
type ArithmeticOp uint16

// Locality corresponds to the TPMA_LOCALITY type.
type Locality uint8

const (
	CommandNVUndefineSpaceSpecial     CommandCode = 0x0000011f
	CommandEvictControl               CommandCode = 0x00000120
	CommandHierarchyControl           CommandCode = 0x00000121
	CommandNVUndefineSpace            CommandCode = 0x00000122
	CommandChangeEPS                  CommandCode = 0x00000124
	CommandChangePPS                  CommandCode = 0x00000125
	CommandClear                      CommandCode = 0x00000126
	CommandClearControl               CommandCode = 0x00000127
	CommandHierarchyChangeAuth        CommandCode = 0x00000129
	CommandNVDefineSpace              CommandCode = 0x0000012a
	CommandSetPrimaryPolicy           CommandCode = 0x0000012e
	CommandCreatePrimary              CommandCode = 0x00000131
	CommandNVIncrement                CommandCode = 0x00000134
	CommandNVWrite                    CommandCode = 0x00000137
	CommandNVWriteLock                CommandCode = 0x00000138
	CommandDictionaryAttackLockReset  CommandCode = 0x00000139
	CommandDictionaryAttackParameters CommandCode = 0x0000013a
	CommandSequenceComplete           CommandCode = 0x0000013e
	CommandStartup                    CommandCode = 0x00000144
	CommandShutdown                   CommandCode = 0x00000145
	CommandActivateCredential         CommandCode = 0x00000147
	CommandCertify                    CommandCode = 0x00000148
	CommandPolicyNV                   CommandCode = 0x00000149
	CommandDuplicate                  CommandCode = 0x0000014b
	CommandNVRead                     CommandCode = 0x0000014e
	CommandNVReadLock                 CommandCode = 0x0000014f
	CommandObjectChangeAuth           CommandCode = 0x00000150
	CommandPolicySecret               CommandCode = 0x00000151
	CommandCreate                     CommandCode = 0x00000153
	CommandImport                     CommandCode = 0x00000156
	CommandLoad                       CommandCode = 0x00000157
	CommandHMACStart                  CommandCode = 0x0000015b
	CommandSequenceUpdate             CommandCode = 0x0000015c
	CommandPolicySigned               CommandCode = 0x00000160
	CommandContextLoad                CommandCode = 0x00000161
	CommandContextSave                CommandCode = 0x00000162
	CommandFlushContext               CommandCode = 0x00000165
	CommandLoadExternal               CommandCode = 0x00000167
	CommandMakeCredential             CommandCode = 0x00000168
	CommandNVReadPublic               CommandCode = 0x00000169
	CommandPolicyAuthorize            CommandCode = 0x0000016a
	CommandPolicyAuthValue            CommandCode = 0x0000016b
	CommandPolicyCommandCode          CommandCode = 0x0000016c
	CommandPolicyCounterTimer         CommandCode = 0x0000016d
	CommandPolicyCpHash               CommandCode = 0x0000016e
	CommandPolicyLocality             CommandCode = 0x0000016f
	CommandPolicyNameHash             CommandCode = 0x00000170
	CommandPolicyOR                   CommandCode = 0x00000171
	CommandPolicyTicket               CommandCode = 0x00000172
	CommandReadPublic                 CommandCode = 0x00000173
	CommandStartAuthSession           CommandCode = 0x00000176
	CommandVerifySignature            CommandCode = 0x00000177
	CommandPCRRead                    CommandCode = 0x0000017e
	CommandPolicyPCR                  CommandCode = 0x0000017f
	CommandPolicyRestart              CommandCode = 0x00000180
	CommandReadClock                  CommandCode = 0x00000181
	CommandPCRExtend                  CommandCode = 0x00000182
	CommandHashSequenceStart          CommandCode = 0x00000186
	CommandPolicyPhysicalPresence     CommandCode = 0x00000187
	CommandPolicyDuplicationSelect    CommandCode = 0x00000188
	CommandPolicyGetDigest            CommandCode = 0x00000189
	CommandPolicyPassword             CommandCode = 0x0000018c
	CommandPolicyNvWritten            CommandCode = 0x0000018f
)

var commandCodeNames = map[CommandCode]string{
	CommandNVUndefineSpaceSpecial:     "TPM_CC_NV_UndefineSpaceSpecial",
	CommandEvictControl:               "TPM_CC_EvictControl",
	CommandHierarchyControl:           "TPM_CC_HierarchyControl",
	CommandNVUndefineSpace:            "TPM_CC_NV_UndefineSpace",
	CommandChangeEPS:                  "TPM_CC_ChangeEPS",
	CommandChangePPS:                  "TPM_CC_ChangePPS",
	CommandClear:                      "TPM_CC_Clear",
	CommandClearControl:               "TPM_CC_ClearControl",
	CommandHierarchyChangeAuth:        "TPM_CC_HierarchyChangeAuth",
	CommandNVDefineSpace:              "TPM_CC_NV_DefineSpace",
	CommandSetPrimaryPolicy:           "TPM_CC_SetPrimaryPolicy",
	CommandCreatePrimary:              "TPM_CC_CreatePrimary",
	CommandNVIncrement:                "TPM_CC_NV_Increment",
	CommandNVWrite:                    "TPM_CC_NV_Write",
	CommandNVWriteLock:                "TPM_CC_NV_WriteLock",
	CommandDictionaryAttackLockReset:  "TPM_CC_DictionaryAttackLockReset",
	CommandDictionaryAttackParameters: "TPM_CC_DictionaryAttackParameters",
	CommandSequenceComplete:           "TPM_CC_SequenceComplete",
	CommandStartup:                    "TPM_CC_Startup",
	CommandShutdown:                   "TPM_CC_Shutdown",
	CommandActivateCredential:         "TPM_CC_ActivateCredential",
	CommandCertify:                    "TPM_CC_Certify",
	CommandPolicyNV:                   "TPM_CC_PolicyNV",
	CommandDuplicate:                  "TPM_CC_Duplicate",
	CommandNVRead:                     "TPM_CC_NV_Read",
	CommandNVReadLock:                 "TPM_CC_NV_ReadLock",
	CommandObjectChangeAuth:           "TPM_CC_ObjectChangeAuth",
	CommandPolicySecret:               "TPM_CC_PolicySecret",
	CommandCreate:                     "TPM_CC_Create",
	CommandImport:                     "TPM_CC_Import",
	CommandLoad:                       "TPM_CC_Load",
	CommandHMACStart:                  "TPM_CC_HMAC_Start",
	CommandSequenceUpdate:             "TPM_CC_SequenceUpdate",
	CommandPolicySigned:               "TPM_CC_PolicySigned",
	CommandContextLoad:                "TPM_CC_ContextLoad",
	CommandContextSave:                "TPM_CC_ContextSave",
	CommandFlushContext:               "TPM_CC_FlushContext",
	CommandLoadExternal:               "TPM_CC_LoadExternal",
	CommandMakeCredential:             "TPM_CC_MakeCredential",
	CommandNVReadPublic:               "TPM_CC_NV_ReadPublic",
	CommandPolicyAuthorize:            "TPM_CC_PolicyAuthorize",
	CommandPolicyAuthValue:            "TPM_CC_PolicyAuthValue",
	CommandPolicyCommandCode:          "TPM_CC_PolicyCommandCode",
	CommandPolicyCounterTimer:         "TPM_CC_PolicyCounterTimer",
	CommandPolicyCpHash:               "TPM_CC_PolicyCpHash",
	CommandPolicyLocality:             "TPM_CC_PolicyLocality",
	CommandPolicyNameHash:             "TPM_CC_PolicyNameHash",
	CommandPolicyOR:                   "TPM_CC_PolicyOR",
	CommandPolicyTicket:               "TPM_CC_PolicyTicket",
	CommandReadPublic:                 "TPM_CC_ReadPublic",
	CommandStartAuthSession:           "TPM_CC_StartAuthSession",
	CommandVerifySignature:            "TPM_CC_VerifySignature",
	CommandPCRRead:                    "TPM_CC_PCR_Read",
	CommandPolicyPCR:                  "TPM_CC_PolicyPCR",
	CommandPolicyRestart:              "TPM_CC_PolicyRestart",
	CommandReadClock:                  "TPM_CC_ReadClock",
	CommandPCRExtend:                  "TPM_CC_PCR_Extend",
	CommandHashSequenceStart:          "TPM_CC_HashSequenceStart",
	CommandPolicyPhysicalPresence:     "TPM_CC_PolicyPhysicalPresence",
	CommandPolicyDuplicationSelect:    "TPM_CC_PolicyDuplicationSelect",
	CommandPolicyGetDigest:            "TPM_CC_PolicyGetDigest",
	CommandPolicyPassword:             "TPM_CC_PolicyPassword",
	CommandPolicyNvWritten:            "TPM_CC_PolicyNvWritten",
}

func (c CommandCode) String() string {
	if name, ok := commandCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(c))
}

// IsWrite indicates whether the command writes to an NV index. This selects
// the write or read authorization attributes of an index.
func (c CommandCode) IsWrite() bool {
	switch c {
	case CommandNVWrite, CommandNVIncrement, CommandNVWriteLock, CommandNVUndefineSpaceSpecial:
		return true
	}
	return false
}

const (
	Success ResponseCode = 0

	rcVer1 ResponseCode = 0x100
	rcFmt1 ResponseCode = 0x080
	rcWarn ResponseCode = 0x900

	rcP ResponseCode = 0x040
	rcS ResponseCode = 0x800

	rcIndexShift = 8
)

// Format-zero error codes. These are the error number without the version bit.
const (
	ErrorInitialize      ErrorCode = 0x00
	ErrorFailure         ErrorCode = 0x01
	ErrorSequence        ErrorCode = 0x03
	ErrorDisabled        ErrorCode = 0x20
	ErrorAuthType        ErrorCode = 0x24
	ErrorAuthMissing     ErrorCode = 0x25
	ErrorPolicy          ErrorCode = 0x26
	ErrorPCR             ErrorCode = 0x27
	ErrorPCRChanged      ErrorCode = 0x28
	ErrorTooManyContexts ErrorCode = 0x2e
	ErrorAuthUnavailable ErrorCode = 0x2f
	ErrorReboot          ErrorCode = 0x30
	ErrorCommandCode     ErrorCode = 0x43
	ErrorAuthContext     ErrorCode = 0x45
	ErrorNVRange         ErrorCode = 0x46
	ErrorNVSize          ErrorCode = 0x47
	ErrorNVLocked        ErrorCode = 0x48
	ErrorNVAuthorization ErrorCode = 0x49
	ErrorNVUninitialized ErrorCode = 0x4a
	ErrorNVSpace         ErrorCode = 0x4b
	ErrorNVDefined       ErrorCode = 0x4c
	ErrorBadContext      ErrorCode = 0x50
	ErrorCpHash          ErrorCode = 0x51
	ErrorParent          ErrorCode = 0x52
	ErrorSensitive       ErrorCode = 0x55
)

// errorCode1Start is added to format-one error numbers so that they don't
// overlap with format-zero ones.
const errorCode1Start ErrorCode = 0x80

// Format-one error codes.
const (
	ErrorAsymmetric   ErrorCode = errorCode1Start + 0x01
	ErrorAttributes   ErrorCode = errorCode1Start + 0x02
	ErrorHash         ErrorCode = errorCode1Start + 0x03
	ErrorValue        ErrorCode = errorCode1Start + 0x04
	ErrorHierarchy    ErrorCode = errorCode1Start + 0x05
	ErrorKeySize      ErrorCode = errorCode1Start + 0x07
	ErrorMode         ErrorCode = errorCode1Start + 0x09
	ErrorType         ErrorCode = errorCode1Start + 0x0a
	ErrorHandle       ErrorCode = errorCode1Start + 0x0b
	ErrorKDF          ErrorCode = errorCode1Start + 0x0c
	ErrorRange        ErrorCode = errorCode1Start + 0x0d
	ErrorAuthFail     ErrorCode = errorCode1Start + 0x0e
	ErrorNonce        ErrorCode = errorCode1Start + 0x0f
	ErrorPP           ErrorCode = errorCode1Start + 0x10
	ErrorScheme       ErrorCode = errorCode1Start + 0x12
	ErrorSize         ErrorCode = errorCode1Start + 0x15
	ErrorSymmetric    ErrorCode = errorCode1Start + 0x16
	ErrorTag          ErrorCode = errorCode1Start + 0x17
	ErrorSelector     ErrorCode = errorCode1Start + 0x18
	ErrorInsufficient ErrorCode = errorCode1Start + 0x1a
	ErrorSignature    ErrorCode = errorCode1Start + 0x1b
	ErrorKey          ErrorCode = errorCode1Start + 0x1c
	ErrorPolicyFail   ErrorCode = errorCode1Start + 0x1d
	ErrorIntegrity    ErrorCode = errorCode1Start + 0x1f
	ErrorTicket       ErrorCode = errorCode1Start + 0x20
	ErrorReservedBits ErrorCode = errorCode1Start + 0x21
	ErrorBadAuth      ErrorCode = errorCode1Start + 0x22
	ErrorExpired      ErrorCode = errorCode1Start + 0x23
	ErrorPolicyCC     ErrorCode = errorCode1Start + 0x24
	ErrorBinding      ErrorCode = errorCode1Start + 0x25
	ErrorCurve        ErrorCode = errorCode1Start + 0x26
	ErrorECCPoint     ErrorCode = errorCode1Start + 0x27
)

const (
	WarningContextGap     WarningCode = 0x01
	WarningObjectMemory   WarningCode = 0x02
	WarningSessionMemory  WarningCode = 0x03
	WarningMemory         WarningCode = 0x04
	WarningSessionHandles WarningCode = 0x05
	WarningObjectHandles  WarningCode = 0x06
	WarningLocality       WarningCode = 0x07
	WarningReferenceH0    WarningCode = 0x10
	WarningReferenceS0    WarningCode = 0x18
	WarningNVRate         WarningCode = 0x20
	WarningLockout        WarningCode = 0x21
	WarningRetry          WarningCode = 0x22
	WarningNVUnavailable  WarningCode = 0x23
)

const (
	TagCreation   StructTag = 0x8021
	TagVerified   StructTag = 0x8022
	TagAuthSecret StructTag = 0x8023
	TagHashcheck  StructTag = 0x8024
	TagAuthSigned StructTag = 0x8025
)

const (
	StartupClear StartupType = 0
	StartupState StartupType = 1

	// shutdownNone is recorded as the orderly state while the TPM is running.
	shutdownNone StartupType = 0xffff
)

const (
	SessionTypeHMAC   SessionType = 0
	SessionTypePolicy SessionType = 1
	SessionTypeTrial  SessionType = 3
)

const (
	OpEq         ArithmeticOp = 0x0000
	OpNeq        ArithmeticOp = 0x0001
	OpSignedGT   ArithmeticOp = 0x0002
	OpUnsignedGT ArithmeticOp = 0x0003
	OpSignedLT   ArithmeticOp = 0x0004
	OpUnsignedLT ArithmeticOp = 0x0005
	OpSignedGE   ArithmeticOp = 0x0006
	OpUnsignedGE ArithmeticOp = 0x0007
	OpSignedLE   ArithmeticOp = 0x0008
	OpUnsignedLE ArithmeticOp = 0x0009
	OpBitSet     ArithmeticOp = 0x000a
	OpBitClear   ArithmeticOp = 0x000b
)

// Labels used for key derivation.
const (
	labelStorage   = "STORAGE"
	labelIntegrity = "INTEGRITY"
	labelContext   = "CONTEXT"
	labelSession   = "ATH"
)

// Implementation parameters.
const (
	proofSize       = 32
	primarySeedSize = 32

	// maxContextSize bounds the size of a context blob body.
	maxContextSize = 2048

	// clockUpdateInterval is the log2 of the interval in milliseconds at
	// which the clock is written back to NV.
	clockUpdateInterval = 12

	numPCRs = 24

	maxNVIndexSize  = 2048
	maxNVIndices    = 64
	maxNVBufferSize = 1024

	// contextIntegrityAlg and contextSymKeyBits define the protection
	// applied to context blobs.
	contextIntegrityAlg = HashAlgorithmSHA256
	contextSymKeyBits   = 128
)
