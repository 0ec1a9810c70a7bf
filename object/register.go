// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/ck"
)

// hmacKeyTypes are the CKK_*_HMAC key types a generic-secret key may carry
// to bind it to exactly one HMAC mechanism (mechanism/generic's
// hmacDescriptor table mirrors this list one-for-one; the binding lives in
// the object's own KEY_TYPE, since CKA_ALLOWED_MECHANISMS is deny-listed
// here). GenericSecretKeyFactory validates all of them identically to a
// plain CKK_GENERIC_SECRET: only the KEY_TYPE tag differs.
var hmacKeyTypes = []uint64{
	pkcs11.CKK_SHA_1_HMAC,
	pkcs11.CKK_SHA256_HMAC,
	pkcs11.CKK_SHA384_HMAC,
	pkcs11.CKK_SHA512_HMAC,
	ck.CKK_SHA3_256_HMAC,
}

func isHMACKeyType(kt uint64) bool {
	for _, t := range hmacKeyTypes {
		if kt == t {
			return true
		}
	}
	return false
}

// RegisterFactories installs every object factory this core implements
// (CKO_DATA, CKO_SECRET_KEY for AES, generic-secret, and the HMAC-bound
// generic-secret subtypes, and the RSA/EC public+private key classes)
// into reg. Called once at token startup; the registry is read-only
// afterwards.
func RegisterFactories(reg *Registry) {
	reg.Add(uint64(pkcs11.CKO_DATA), NoKeyType, NewDataFactory())
	reg.Add(uint64(pkcs11.CKO_SECRET_KEY), pkcs11.CKK_AES, NewAESKeyFactory())

	generic := NewGenericSecretKeyFactory()
	reg.Add(uint64(pkcs11.CKO_SECRET_KEY), pkcs11.CKK_GENERIC_SECRET, generic)
	for _, kt := range hmacKeyTypes {
		reg.Add(uint64(pkcs11.CKO_SECRET_KEY), kt, generic)
	}

	reg.Add(uint64(pkcs11.CKO_PUBLIC_KEY), pkcs11.CKK_RSA, NewRSAPublicKeyFactory())
	reg.Add(uint64(pkcs11.CKO_PRIVATE_KEY), pkcs11.CKK_RSA, NewRSAPrivateKeyFactory())
	reg.Add(uint64(pkcs11.CKO_PUBLIC_KEY), pkcs11.CKK_EC, NewECPublicKeyFactory())
	reg.Add(uint64(pkcs11.CKO_PRIVATE_KEY), pkcs11.CKK_EC, NewECPrivateKeyFactory())
}
