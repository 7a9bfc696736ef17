// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

// VerifySignature corresponds to the TPM2_VerifySignature command. On
// success, it returns a Verified ticket for digest and the key's name, which
// can be supplied to PolicyAuthorize. The ticket is a null ticket if the key
// is in the null hierarchy.
func (t *TPM) VerifySignature(keyHandle Handle, digest Digest, signature *Signature) (validation *Ticket, err error) {
	err = t.run(CommandVerifySignature, func() error {
		key := t.objectGet(keyHandle)
		if key == nil {
			if keyHandle.Kind() == KindTransient {
				return warn(WarningReferenceH0)
			}
			return errHandle(ErrorHandle, 1)
		}
		if key.isSequence() {
			return errHandle(ErrorType, 1)
		}
		if key.Public.Attrs&AttrSign == 0 {
			return errHandle(ErrorAttributes, 1)
		}
		if signature == nil {
			return errParam(ErrorSize, 2)
		}
		if len(digest) > HashAlgorithmSHA512.Size() {
			return errParam(ErrorSize, 1)
		}

		if err := cryptVerifySignature(key, digest, signature); err != nil {
			return asParam(err, 2)
		}

		if key.Hierarchy == HandleNull {
			validation = nullTicket(TagVerified)
		} else {
			validation = t.ticketComputeVerified(key.Hierarchy, digest, key.name)
		}
		return nil
	})
	return validation, err
}
