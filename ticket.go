// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

// Tickets are HMACs keyed with a hierarchy proof, computed with
// contextIntegrityAlg. A ticket for the null hierarchy is keyed with the null
// proof, so it doesn't survive a TPM Reset.

func nullTicket(tag StructTag) *Ticket {
	return &Ticket{Tag: tag, Hierarchy: HandleNull}
}

// ticketComputeAuth computes the digest of a PolicySigned or PolicySecret
// ticket:
//
//	HMAC(proof, tag || timeout || cpHash || policyRef || authName)
func (t *TPM) ticketComputeAuth(tag StructTag, hierarchy Handle, timeout uint64, cpHash Digest, policyRef Nonce, authName Name) *Ticket {
	d := cryptHMAC(contextIntegrityAlg, t.proofFor(hierarchy),
		uint16Bytes(uint16(tag)), uint64Bytes(timeout), cpHash, policyRef, authName)
	return &Ticket{Tag: tag, Hierarchy: hierarchy, Digest: d}
}

// ticketComputeVerified computes a ticket for a verified signature:
//
//	HMAC(proof, TPM_ST_VERIFIED || digest || keyName)
func (t *TPM) ticketComputeVerified(hierarchy Handle, digest Digest, keyName Name) *Ticket {
	d := cryptHMAC(contextIntegrityAlg, t.proofFor(hierarchy),
		uint16Bytes(uint16(TagVerified)), digest, keyName)
	return &Ticket{Tag: TagVerified, Hierarchy: hierarchy, Digest: d}
}

// ticketComputeHashCheck computes a ticket indicating that the TPM produced a
// digest from data that did not start with TPM_GENERATED_VALUE:
//
//	HMAC(proof, TPM_ST_HASHCHECK || hashAlg || digest)
func (t *TPM) ticketComputeHashCheck(hierarchy Handle, hashAlg HashAlgorithmId, digest Digest) *Ticket {
	d := cryptHMAC(contextIntegrityAlg, t.proofFor(hierarchy),
		uint16Bytes(uint16(TagHashcheck)), uint16Bytes(uint16(hashAlg)), digest)
	return &Ticket{Tag: TagHashcheck, Hierarchy: hierarchy, Digest: d}
}
