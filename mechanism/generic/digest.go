// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package generic implements the non-AES mechanisms: digests (SHA-1/2
// via stdlib, SHA-3 via golang.org/x/crypto/sha3), HMAC bound to the
// key's CKK_*_HMAC type, HKDF derivation over golang.org/x/crypto/hkdf,
// and generic-secret key generation.
package generic

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/sha3"

	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
)

// digestOperation wraps one incremental hash state; hash.Hash already
// exposes the create/update/finish shape directly.
type digestOperation struct {
	mechanism.StateMachine
	h hash.Hash
}

func newHash(id uint) (hash.Hash, error) {
	switch id {
	case pkcs11.CKM_SHA_1:
		return sha1.New(), nil
	case pkcs11.CKM_SHA256:
		return sha256.New(), nil
	case pkcs11.CKM_SHA384:
		return sha512.New384(), nil
	case pkcs11.CKM_SHA512:
		return sha512.New(), nil
	case ck.CKM_SHA3_256:
		return sha3.New256(), nil
	case ck.CKM_SHA3_384:
		return sha3.New384(), nil
	case ck.CKM_SHA3_512:
		return sha3.New512(), nil
	default:
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "unsupported digest mechanism")
	}
}

func NewDigest(mechID uint) (*digestOperation, error) {
	h, err := newHash(mechID)
	if err != nil {
		return nil, err
	}
	return &digestOperation{h: h}, nil
}

func (o *digestOperation) Update(data []byte) error {
	if err := o.CheckActive(); err != nil {
		return err
	}
	o.h.Write(data)
	return nil
}

func (o *digestOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	return o.h.Sum(nil), nil
}

// Register installs this package's descriptors into reg: the keyless
// digest mechanisms, the HMAC family, HKDF, and generic-secret keygen.
func Register(reg *mechanism.Registry) {
	for _, id := range []uint{
		pkcs11.CKM_SHA_1, pkcs11.CKM_SHA256, pkcs11.CKM_SHA384,
		pkcs11.CKM_SHA512, ck.CKM_SHA3_256, ck.CKM_SHA3_384, ck.CKM_SHA3_512,
	} {
		mechID := id
		reg.Add(mechID, &mechanism.Descriptor{
			Name: "DIGEST",
			Info: mechanism.Info{Flags: mechanism.Digest},
			NewDigest: func(params mechanism.Params) (mechanism.Digester, error) {
				return NewDigest(mechID)
			},
		})
	}
	registerHMAC(reg)
	registerHKDF(reg)
	registerKeyGen(reg)
}
