// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// Derive implements key derivation by encryption for both
// AES_ECB_ENCRYPT_DATA (p.IV == nil) and AES_CBC_ENCRYPT_DATA
// (p.IV != nil): run baseKey through one AES-ECB or AES-CBC encryption
// over p.Data, then hand the ciphertext to the derived object's factory
// as its VALUE, truncating/confirming VALUE_LEN.
//
// Each call constructs a fresh StateMachine and runs it to Finalized
// before returning; the operation instance is never exposed to the
// caller in a reusable state.
func Derive(reg *object.Registry, baseKey *object.Object, p EncryptDataParams, derivedTemplate []attribute.Attribute) (*object.Object, error) {
	var sm mechanism.StateMachine
	if err := sm.CheckActive(); err != nil {
		return nil, err
	}
	defer sm.Cancel()

	if err := checkKeyOps(baseKey, pkcs11.CKA_DERIVE); err != nil {
		return nil, err
	}
	if err := validateEncryptDataParams(p); err != nil {
		return nil, err
	}

	raw, err := rawKeyBytes(baseKey)
	if err != nil {
		return nil, err
	}
	block, err := newBlockCipher(raw)
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(p.Data))
	if p.IV == nil {
		ecbEncrypt(block, ciphertext, p.Data)
	} else {
		cipher.NewCBCEncrypter(block, p.IV[:]).CryptBlocks(ciphertext, p.Data)
	}

	class, keyType, err := resolveDerivedClass(derivedTemplate)
	if err != nil {
		return nil, err
	}
	factory, err := reg.FactoryFor(class, keyType)
	if err != nil {
		return nil, err
	}
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "derived key class does not support derive-by-encrypt")
	}

	material := ciphertext
	for _, a := range derivedTemplate {
		if a.ID != pkcs11.CKA_VALUE_LEN {
			continue
		}
		want, err := attribute.ToUlong(a)
		if err != nil {
			return nil, err
		}
		if int(want) > len(material) {
			return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "VALUE_LEN exceeds derived key material length")
		}
		material = material[:want]
	}

	derived, err := secretFactory.ImportFromWrapped(material, derivedTemplate)
	if err != nil {
		return nil, err
	}
	derived.SetAttr(attribute.FromBool(pkcs11.CKA_LOCAL, true))

	if err := sm.Finish(); err != nil {
		return nil, err
	}
	return derived, nil
}

func resolveDerivedClass(template []attribute.Attribute) (class, keyType uint64, err error) {
	class = uint64(pkcs11.CKO_SECRET_KEY)
	keyType = pkcs11.CKK_GENERIC_SECRET
	for _, a := range template {
		switch a.ID {
		case pkcs11.CKA_CLASS:
			v, e := attribute.ToUlong(a)
			if e != nil {
				return 0, 0, e
			}
			class = v
		case pkcs11.CKA_KEY_TYPE:
			v, e := attribute.ToUlong(a)
			if e != nil {
				return 0, 0, e
			}
			keyType = v
		}
	}
	return class, keyType, nil
}
