// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"github.com/sirupsen/logrus"
)

// pcrBank holds the values of every PCR for one digest algorithm.
type pcrBank struct {
	Alg    HashAlgorithmId
	Values []Digest
}

var pcrBankAlgs = []HashAlgorithmId{HashAlgorithmSHA1, HashAlgorithmSHA256}

func newPCRBanks() []pcrBank {
	var banks []pcrBank
	for _, alg := range pcrBankAlgs {
		bank := pcrBank{Alg: alg, Values: make([]Digest, numPCRs)}
		for i := range bank.Values {
			bank.Values[i] = make(Digest, alg.Size())
		}
		banks = append(banks, bank)
	}
	return banks
}

func (t *TPM) pcrBank(alg HashAlgorithmId) *pcrBank {
	for i := range t.gc.PCRs {
		if t.gc.PCRs[i].Alg == alg {
			return &t.gc.PCRs[i]
		}
	}
	return nil
}

func isPCRHandle(h Handle) bool {
	return h.Type() == HandleTypePCR && int(h) < numPCRs
}

// TaggedHash corresponds to the TPMT_HA type.
type TaggedHash struct {
	HashAlg HashAlgorithmId
	Digest  Digest
}

// PCRExtend corresponds to the TPM2_PCR_Extend command. It extends each of the
// supplied digests into the bank with the same algorithm. Digests for banks
// that aren't implemented are ignored.
func (t *TPM) PCRExtend(pcrHandle Handle, digests []TaggedHash, auth *AuthCommand) error {
	return t.run(CommandPCRExtend, func() error {
		if !isPCRHandle(pcrHandle) {
			return errHandle(ErrorValue, 1)
		}
		for i, d := range digests {
			if !d.HashAlg.IsValid() {
				return errParam(ErrorHash, 1)
			}
			if len(d.Digest) != d.HashAlg.Size() {
				return asParam(errCode(ErrorSize), i+1)
			}
		}

		cmd := &command{
			code:    CommandPCRExtend,
			handles: []Handle{pcrHandle},
			roles:   []authRole{roleUser},
			params:  []interface{}{digests}}
		if err := t.authorize(cmd, auth); err != nil {
			return err
		}

		for _, d := range digests {
			bank := t.pcrBank(d.HashAlg)
			if bank == nil {
				continue
			}
			bank.Values[pcrHandle] = cryptDigest(d.HashAlg, bank.Values[pcrHandle], d.Digest)
		}
		t.gr.PCRCounter++

		t.log.WithFields(logrus.Fields{
			"handle":  pcrHandle,
			"counter": t.gr.PCRCounter}).Debug("PCR extended")
		t.completeAuth(cmd)
		return nil
	})
}

// PCRRead corresponds to the TPM2_PCR_Read command. Selections of banks that
// aren't implemented are dropped from the returned selection.
func (t *TPM) PCRRead(selection PCRSelectionList) (updateCounter uint32, out PCRSelectionList, values []Digest, err error) {
	err = t.run(CommandPCRRead, func() error {
		for _, s := range selection.sorted() {
			bank := t.pcrBank(s.Hash)
			if bank == nil {
				continue
			}
			sel := PCRSelection{Hash: s.Hash}
			for _, pcr := range s.Select {
				if pcr >= numPCRs {
					continue
				}
				sel.Select = append(sel.Select, pcr)
				values = append(values, append(Digest(nil), bank.Values[pcr]...))
			}
			out = append(out, sel)
		}
		updateCounter = t.gr.PCRCounter
		return nil
	})
	return updateCounter, out, values, err
}

// pcrComputeDigest computes the digest of the selected PCR values, in
// selection order, using alg. It returns an error if a selected bank or PCR
// doesn't exist.
func (t *TPM) pcrComputeDigest(alg HashAlgorithmId, selection PCRSelectionList) (Digest, error) {
	h := alg.NewHash()
	for _, s := range selection.sorted() {
		bank := t.pcrBank(s.Hash)
		if bank == nil {
			return nil, errCode(ErrorPCR)
		}
		for _, pcr := range s.Select {
			if pcr >= numPCRs {
				return nil, errCode(ErrorPCR)
			}
			h.Write(bank.Values[pcr])
		}
	}
	return h.Sum(nil), nil
}
