// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

var ArithmeticCompare = arithmeticCompare

func (t *TPM) ClearCount() uint32 {
	return t.gr.ClearCount
}

func (t *TPM) ObjectContextID() uint64 {
	return t.gr.ObjectContextID
}

func (t *TPM) SetObjectContextID(id uint64) {
	t.gr.ObjectContextID = id
}

func (t *TPM) ContextCounter() uint64 {
	return t.gr.ContextCounter
}

func (t *TPM) SetContextCounter(n uint64) {
	t.gr.ContextCounter = n
}

func (t *TPM) SelfHealTimer() uint64 {
	return t.selfHealTimer
}

func (t *TPM) OrderlyState() StartupType {
	return t.gp.OrderlyState
}

func (t *TPM) ComputeHashCheck(hierarchy Handle, hashAlg HashAlgorithmId, digest Digest) *Ticket {
	return t.ticketComputeHashCheck(hierarchy, hashAlg, digest)
}

func (t *TPM) ComputeVerified(hierarchy Handle, digest Digest, keyName Name) *Ticket {
	return t.ticketComputeVerified(hierarchy, digest, keyName)
}

func (t *TPM) ComputeAuthTicket(tag StructTag, hierarchy Handle, timeout uint64, cpHash Digest, policyRef Nonce, authName Name) *Ticket {
	return t.ticketComputeAuth(tag, hierarchy, timeout, cpHash, policyRef, authName)
}
