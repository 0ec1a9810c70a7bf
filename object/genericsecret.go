// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// GenericSecretKeyFactory validates CKO_SECRET_KEY/CKK_GENERIC_SECRET
// objects: arbitrary-length byte strings used as HKDF input keying
// material and as the usual Derive() result type. It differs from
// AESKeyFactory in dropping the fixed-length check (any non-empty VALUE is
// accepted), in keeping the generic CKA_PRIVATE default of false, and in
// also serving the CKK_*_HMAC key types.
type GenericSecretKeyFactory struct {
	schema []SchemaEntry
}

func NewGenericSecretKeyFactory() *GenericSecretKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonSecretKeyAttrs()...)
	schema = append(schema, SchemaEntry{
		ID:    pkcs11.CKA_VALUE,
		Flags: Sensitive | RequiredOnCreate | SettableOnlyOnCreate,
	})
	schema = append(schema, SchemaEntry{ID: pkcs11.CKA_VALUE_LEN, Flags: RequiredOnGenerate})
	return &GenericSecretKeyFactory{schema: schema}
}

func (f *GenericSecretKeyFactory) Schema() []SchemaEntry { return f.schema }

// Validate synthesizes/confirms VALUE_LEN, and rejects a zero-length
// secret (a generic secret with no key material is never useful as HKDF
// IKM or a derive target).
func (f *GenericSecretKeyFactory) Validate(obj *Object) error {
	a, ok := obj.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "generic secret requires VALUE")
	}
	value, err := attribute.ToBytes(a)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "generic secret VALUE must not be empty")
	}
	if !CheckOrSet(obj, attribute.FromUlong(pkcs11.CKA_VALUE_LEN, uint64(len(value)))) {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "VALUE_LEN does not match len(VALUE)")
	}
	return nil
}

func (f *GenericSecretKeyFactory) ExportForWrapping(obj *Object) ([]byte, error) {
	return exportSecretValue(obj)
}

func (f *GenericSecretKeyFactory) ImportFromWrapped(data []byte, template []attribute.Attribute) (*Object, error) {
	data = append([]byte(nil), data...)
	for _, t := range template {
		if t.ID != pkcs11.CKA_VALUE_LEN {
			continue
		}
		want, err := attribute.ToUlong(t)
		if err != nil {
			return nil, err
		}
		if int(want) > len(data) {
			zeroize(data)
			return nil, cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "UNWRAP VALUE_LEN exceeds decrypted plaintext length")
		}
		data = data[:want]
	}
	if len(data) == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_WRAPPED_KEY_LEN_RANGE, "unwrapped generic secret is empty")
	}
	keyType, err := f.resolveKeyType(template)
	if err != nil {
		return nil, err
	}
	return importSecretValue(f, data, template, keyType)
}

// resolveKeyType honors the template's own KEY_TYPE when it names one of
// the key types this factory is registered for. A key derived or
// unwrapped into a CKK_*_HMAC-typed template keeps that type, and with
// it its mechanism binding; only a template naming some other factory's
// key type is inconsistent.
func (f *GenericSecretKeyFactory) resolveKeyType(template []attribute.Attribute) (uint64, error) {
	for _, t := range template {
		if t.ID != pkcs11.CKA_KEY_TYPE {
			continue
		}
		v, err := attribute.ToUlong(t)
		if err != nil {
			return 0, err
		}
		if v == pkcs11.CKK_GENERIC_SECRET || isHMACKeyType(v) {
			return v, nil
		}
		return 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "template KEY_TYPE is not a generic-secret type")
	}
	return pkcs11.CKK_GENERIC_SECRET, nil
}

func (f *GenericSecretKeyFactory) SetKey(obj *Object, key []byte) error {
	if len(key) == 0 {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "generic secret VALUE must not be empty")
	}
	obj.SetAttr(attribute.FromBytes(pkcs11.CKA_VALUE, key))
	obj.SetAttr(attribute.FromUlong(pkcs11.CKA_VALUE_LEN, uint64(len(key))))
	return nil
}
