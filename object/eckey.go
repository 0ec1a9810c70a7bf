// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// ECPublicKeyFactory validates CKO_PUBLIC_KEY/CKK_EC objects: the curve's
// DER-encoded parameters plus the DER-wrapped uncompressed point.
type ECPublicKeyFactory struct {
	schema []SchemaEntry
}

func NewECPublicKeyFactory() *ECPublicKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonPublicKeyAttrs()...)
	schema = append(schema,
		SchemaEntry{ID: pkcs11.CKA_EC_PARAMS, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_EC_POINT, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_SUBJECT, Flags: 0},
	)
	return &ECPublicKeyFactory{schema: schema}
}

func (f *ECPublicKeyFactory) Schema() []SchemaEntry { return f.schema }

func (f *ECPublicKeyFactory) Validate(obj *Object) error {
	if err := checkNonEmptyBytes(obj, pkcs11.CKA_EC_PARAMS, "EC_PARAMS"); err != nil {
		return err
	}
	return checkNonEmptyBytes(obj, pkcs11.CKA_EC_POINT, "EC_POINT")
}

// ECPrivateKeyFactory validates CKO_PRIVATE_KEY/CKK_EC objects: the curve
// parameters plus the private scalar in CKA_VALUE.
type ECPrivateKeyFactory struct {
	schema []SchemaEntry
}

func NewECPrivateKeyFactory() *ECPrivateKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonPrivateKeyAttrs()...)
	schema = append(schema,
		SchemaEntry{ID: pkcs11.CKA_EC_PARAMS, Flags: RequiredOnCreate | Unchangeable},
		SchemaEntry{ID: pkcs11.CKA_VALUE, Flags: RequiredOnCreate | Sensitive | SettableOnlyOnCreate},
		SchemaEntry{ID: pkcs11.CKA_SUBJECT, Flags: 0},
	)
	return &ECPrivateKeyFactory{schema: schema}
}

func (f *ECPrivateKeyFactory) Schema() []SchemaEntry { return f.schema }

func (f *ECPrivateKeyFactory) Validate(obj *Object) error {
	if err := checkNonEmptyBytes(obj, pkcs11.CKA_EC_PARAMS, "EC_PARAMS"); err != nil {
		return err
	}
	return checkNonEmptyBytes(obj, pkcs11.CKA_VALUE, "VALUE")
}

func checkNonEmptyBytes(obj *Object, id uint, name string) error {
	a, ok := obj.Attr(id)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "EC key requires "+name)
	}
	v, err := attribute.ToBytes(a)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, name+" must not be empty")
	}
	return nil
}
