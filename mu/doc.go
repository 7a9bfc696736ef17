// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package mu marshals Go values to and from the big-endian TPM wire format used
for every byte-exact structure handled by the TPM core: wrapped sensitive areas,
context blobs, tickets and reserved NV records.

Go types map to the wire format as follows:
  - bool, int8..int64 and uint8..uint64 (and named types with these underlying
    types) are written big-endian at their natural size.
  - []byte and named byte slices are sized buffers with a 2-byte size field.
  - RawBytes, byte arrays and slices in fields tagged `tpm2:"raw"` are written
    without a size field.
  - Other slices are lists with a 4-byte length field.
  - Structs are written field by field. A pointer field tagged `tpm2:"sized"` is
    a sized structure, and a nil pointer is a zero sized structure.
  - Types implementing CustomMarshaller and CustomUnmarshaller control their own
    encoding. This is used for structures whose layout depends on a selector.

Pointers are dereferenced, and nil pointers marshal as the zero value.
*/
package mu
