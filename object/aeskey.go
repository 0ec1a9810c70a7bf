// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// MinAESSizeBytes, MidAESSizeBytes and MaxAESSizeBytes are the only valid
// AES key lengths (128/192/256 bit).
const (
	MinAESSizeBytes = 16
	MidAESSizeBytes = 24
	MaxAESSizeBytes = 32
)

func checkAESKeyLen(n int) error {
	switch n {
	case MinAESSizeBytes, MidAESSizeBytes, MaxAESSizeBytes:
		return nil
	default:
		return cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "AES key length must be 16, 24, or 32 bytes")
	}
}

// AESKeyFactory validates CKO_SECRET_KEY/CKK_AES objects: common object +
// storage + key + secret-key attrs, plus CKA_VALUE/CKA_VALUE_LEN, with
// CKA_PRIVATE defaulting true (overriding the generic default of false).
type AESKeyFactory struct {
	schema []SchemaEntry
}

func NewAESKeyFactory() *AESKeyFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, CommonKeyAttrs()...)
	schema = append(schema, CommonSecretKeyAttrs()...)
	schema = append(schema, SchemaEntry{
		ID:    pkcs11.CKA_VALUE,
		Flags: Defval | Sensitive | RequiredOnCreate | SettableOnlyOnCreate,
	})
	schema = append(schema, SchemaEntry{ID: pkcs11.CKA_VALUE_LEN, Flags: RequiredOnGenerate})

	for i := range schema {
		if schema[i].ID == pkcs11.CKA_PRIVATE {
			schema[i] = SchemaEntry{ID: pkcs11.CKA_PRIVATE, Flags: Defval | ChangeOnCopy, Default: attribute.FromBool(pkcs11.CKA_PRIVATE, true)}
		}
	}

	return &AESKeyFactory{schema: schema}
}

func (f *AESKeyFactory) Schema() []SchemaEntry { return f.schema }

// Validate checks the AES key length and synthesizes VALUE_LEN, or
// confirms a caller-supplied VALUE_LEN equals len(VALUE).
func (f *AESKeyFactory) Validate(obj *Object) error {
	a, ok := obj.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "AES key requires VALUE")
	}
	value, err := attribute.ToBytes(a)
	if err != nil {
		return err
	}
	if err := checkAESKeyLen(len(value)); err != nil {
		return err
	}
	if !CheckOrSet(obj, attribute.FromUlong(pkcs11.CKA_VALUE_LEN, uint64(len(value)))) {
		return cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "VALUE_LEN does not match len(VALUE)")
	}
	return nil
}

func (f *AESKeyFactory) ExportForWrapping(obj *Object) ([]byte, error) {
	return exportSecretValue(obj)
}

func (f *AESKeyFactory) ImportFromWrapped(data []byte, template []attribute.Attribute) (*Object, error) {
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
	if err := checkAESKeyLen(len(data)); err != nil {
		zeroize(data)
		return nil, err
	}
	return importSecretValue(f, data, template, pkcs11.CKK_AES)
}

func (f *AESKeyFactory) SetKey(obj *Object, key []byte) error {
	if err := checkAESKeyLen(len(key)); err != nil {
		return err
	}
	obj.SetAttr(attribute.FromBytes(pkcs11.CKA_VALUE, key))
	obj.SetAttr(attribute.FromUlong(pkcs11.CKA_VALUE_LEN, uint64(len(key))))
	return nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// exportSecretValue is the SecretKeyFactory.export_for_wrapping shared by
// every plain secret-value key type (AES, generic secret): wrapping
// exports the raw CKA_VALUE.
func exportSecretValue(obj *Object) ([]byte, error) {
	a, ok := obj.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "key has no VALUE to export")
	}
	v, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// importSecretValue builds a fresh secret-key Object from unwrapped key
// bytes plus the unwrap template, synthesizing CLASS/VALUE/VALUE_LEN and
// pinning the caller-resolved keyType.
func importSecretValue(f Factory, data []byte, template []attribute.Attribute, keyType uint64) (*Object, error) {
	merged := append([]attribute.Attribute{}, template...)
	merged = append(merged,
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, keyType),
		attribute.FromBytes(pkcs11.CKA_VALUE, data),
	)
	// Drop any caller-supplied VALUE_LEN/CLASS/KEY_TYPE/VALUE duplicates;
	// the synthesized ones above take precedence (last-write-wins via
	// buildFromTemplate's duplicate-rejection would otherwise fire).
	dedup := make(map[uint]attribute.Attribute, len(merged))
	order := make([]uint, 0, len(merged))
	for _, a := range merged {
		if _, ok := dedup[a.ID]; !ok {
			order = append(order, a.ID)
		}
		dedup[a.ID] = a
	}
	final := make([]attribute.Attribute, 0, len(order))
	for _, id := range order {
		final = append(final, dedup[id])
	}

	obj, err := buildFromTemplate(0, final, f.Schema())
	if err != nil {
		return nil, err
	}
	if err := f.Validate(obj); err != nil {
		return nil, err
	}
	return obj, nil
}
