// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package swtpm implements the core of a software TPM 2.0.

This documentation refers to TPM commands and types that are described in more detail in the TPM 2.0 Library Specification, which can
be found at https://trustedcomputinggroup.org/resource/tpm-library-specification/. Knowledge of this specification is assumed in this
documentation.

Commands are methods on TPM, which take and return decoded structures rather than marshalled command and response buffers. Errors
returned from commands are *TPMError, *TPMHandleError, *TPMParameterError, *TPMSessionError, *TPMWarning or *FatalError, and can be
tested with the IsTPMError family of functions.

Quick start

A TPM is backed by a Store, which holds the persistent state and NV indices. A TPM is manufactured the first time it is created with
an empty store:
 tpm, err := swtpm.New(nil, swtpm.NewMemoryStore())
 if err != nil {
	return err
 }
 if err := tpm.Startup(swtpm.StartupClear); err != nil {
	return err
 }

In order to create a storage primary key in the owner hierarchy:
 template := &swtpm.Public{
	Type:    swtpm.ObjectTypeECC,
	NameAlg: swtpm.HashAlgorithmSHA256,
	Attrs: swtpm.AttrFixedTPM | swtpm.AttrFixedParent | swtpm.AttrSensitiveDataOrigin | swtpm.AttrUserWithAuth | swtpm.AttrNoDA |
		swtpm.AttrRestricted | swtpm.AttrDecrypt,
	Params: swtpm.PublicParams{
		Symmetric: swtpm.SymDefObject{
			Algorithm: swtpm.SymObjectAlgorithmAES,
			KeyBits:   128,
			Mode:      swtpm.SymModeCFB},
		Scheme:  swtpm.SigScheme{Scheme: swtpm.SigSchemeAlgNull},
		CurveID: swtpm.ECCCurveNIST_P256}}
 handle, _, _, err := tpm.CreatePrimary(swtpm.HandleOwner, nil, template, swtpm.PasswordAuth(nil))
 if err != nil {
	return err
 }

Concurrency

A TPM must only be used from one goroutine at a time. The host package runs a TPM on its own goroutine, advances its clock and
retries commands that fail because the store is temporarily unavailable. The boltstore package provides a Store backed by a bbolt
database.
*/
package swtpm
