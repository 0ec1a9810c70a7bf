// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package generic

import (
	"crypto/rand"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// GenerateSecret implements CKM_GENERIC_SECRET_KEY_GEN: draw CKA_VALUE_LEN
// random bytes and build a generic-secret key object through its factory,
// the same shape as the AES family's GenerateKey.
func GenerateSecret(reg *object.Registry, template []attribute.Attribute) (*object.Object, error) {
	factory, err := reg.FactoryFor(uint64(pkcs11.CKO_SECRET_KEY), pkcs11.CKK_GENERIC_SECRET)
	if err != nil {
		return nil, err
	}
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_GENERAL_ERROR, "generic-secret factory does not implement SecretKeyFactory")
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
	if !haveLen || length == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "generic secret generation requires a non-zero CKA_VALUE_LEN")
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_ERROR, err, "could not read random key material")
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()

	obj, err := secretFactory.ImportFromWrapped(raw, template)
	if err != nil {
		return nil, err
	}
	obj.SetAttr(attribute.FromBool(pkcs11.CKA_LOCAL, true))
	return obj, nil
}

func registerKeyGen(reg *mechanism.Registry) {
	reg.Add(pkcs11.CKM_GENERIC_SECRET_KEY_GEN, &mechanism.Descriptor{
		Name: "GENERIC_SECRET_KEY_GEN",
		Info: mechanism.Info{Flags: mechanism.Generate},
		NewKeyGen: func(objReg *object.Registry, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			return GenerateSecret(objReg, template)
		},
	})
}
