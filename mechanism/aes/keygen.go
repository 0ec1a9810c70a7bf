// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/rand"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

// GenerateKey implements CKM_AES_KEY_GEN: draw VALUE_LEN random bytes
// from crypto/rand and build a secret key object through the AES
// factory, which pins CLASS/KEY_TYPE over whatever the caller template
// says.
func GenerateKey(reg *object.Registry, template []attribute.Attribute) (*object.Object, error) {
	factory, err := reg.FactoryFor(uint64(pkcs11.CKO_SECRET_KEY), pkcs11.CKK_AES)
	if err != nil {
		return nil, err
	}
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_GENERAL_ERROR, "AES factory does not implement SecretKeyFactory")
	}

	var length uint64
	haveLen := false
	for _, a := range template {
		if a.ID == pkcs11.CKA_VALUE_LEN {
			v, err := attribute.ToUlong(a)
			if err != nil {
				return nil, err
			}
			length, haveLen = v, true
		}
	}
	if !haveLen {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "AES_KEY_GEN requires CKA_VALUE_LEN")
	}
	switch length {
	case object.MinAESSizeBytes, object.MidAESSizeBytes, object.MaxAESSizeBytes:
	default:
		return nil, cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "AES key length must be 16, 24, or 32 bytes")
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_ERROR, err, "could not read random key material")
	}
	defer zeroize(raw)

	full := append([]attribute.Attribute{}, template...)
	obj, err := secretFactory.ImportFromWrapped(raw, full)
	if err != nil {
		return nil, err
	}
	obj.SetAttr(attribute.FromBool(pkcs11.CKA_LOCAL, true))
	return obj, nil
}
