// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// RSAPublicKeyFactory validates CKO_PUBLIC_KEY/CKK_RSA objects: a modulus
// and public exponent, with MODULUS_BITS synthesized from the modulus.
type RSAPublicKeyFactory struct {
	schema []SchemaEntry
}

func NewRSAPublicKeyFactory() *RSAPublicKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonPublicKeyAttrs()...)
	schema = append(schema,
		SchemaEntry{ID: pkcs11.CKA_MODULUS, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_MODULUS_BITS, Flags: 0},
		SchemaEntry{ID: pkcs11.CKA_PUBLIC_EXPONENT, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_SUBJECT, Flags: 0},
	)
	return &RSAPublicKeyFactory{schema: schema}
}

func (f *RSAPublicKeyFactory) Schema() []SchemaEntry { return f.schema }

func (f *RSAPublicKeyFactory) Validate(obj *Object) error {
	n, err := modulusOf(obj)
	if err != nil {
		return err
	}
	if !CheckOrSet(obj, attribute.FromUlong(pkcs11.CKA_MODULUS_BITS, uint64(n.BitLen()))) {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "MODULUS_BITS does not match MODULUS")
	}
	return nil
}

// RSAPrivateKeyFactory validates CKO_PRIVATE_KEY/CKK_RSA objects. The CRT
// components (PRIME_1/2, EXPONENT_1/2, COEFFICIENT) are optional; signing
// works from (MODULUS, PUBLIC_EXPONENT, PRIVATE_EXPONENT) alone.
type RSAPrivateKeyFactory struct {
	schema []SchemaEntry
}

func NewRSAPrivateKeyFactory() *RSAPrivateKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonPrivateKeyAttrs()...)
	schema = append(schema,
		SchemaEntry{ID: pkcs11.CKA_MODULUS, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_PUBLIC_EXPONENT, Flags: Defval | Unchangeable, Default: attribute.FromBytes(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01})},
		SchemaEntry{ID: pkcs11.CKA_PRIVATE_EXPONENT, Flags: RequiredOnCreate | Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_PRIME_1, Flags: Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_PRIME_2, Flags: Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_EXPONENT_1, Flags: Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_EXPONENT_2, Flags: Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_COEFFICIENT, Flags: Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_SUBJECT, Flags: 0},
	)
	return &RSAPrivateKeyFactory{schema: schema}
}

func (f *RSAPrivateKeyFactory) Schema() []SchemaEntry { return f.schema }

func (f *RSAPrivateKeyFactory) Validate(obj *Object) error {
	if _, err := modulusOf(obj); err != nil {
		return err
	}
	d, ok := obj.Attr(pkcs11.CKA_PRIVATE_EXPONENT)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "RSA private key requires PRIVATE_EXPONENT")
	}
	v, err := attribute.ToBytes(d)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "PRIVATE_EXPONENT must not be empty")
	}
	return nil
}

func modulusOf(obj *Object) (*big.Int, error) {
	a, ok := obj.Attr(pkcs11.CKA_MODULUS)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "RSA key requires MODULUS")
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(raw)
	if n.BitLen() < 512 {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "RSA modulus is too small")
	}
	return n, nil
}
