// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// Flag is a bitmask of per-schema-attribute behaviors.
type Flag uint

const (
	// Defval means: if absent from the template, fill in Default.
	Defval Flag = 1 << iota
	// Sensitive means this attribute is withheld from readback once the
	// owning object is sensitive/non-extractable (see sensitiveAttrs).
	Sensitive
	// RequiredOnCreate means CreateObject fails with TEMPLATE_INCOMPLETE
	// if this attribute is still missing after defaults are applied.
	RequiredOnCreate
	// RequiredOnGenerate marks attributes a KeyGen/Derive path must
	// synthesize even though a caller template need not supply them.
	RequiredOnGenerate
	// SettableOnlyOnCreate means Session.SetAttributeValue rejects a change
	// to this attribute once the object exists.
	SettableOnlyOnCreate
	// ChangeOnCopy means CopyObject may override this attribute even
	// though it is otherwise unchangeable.
	ChangeOnCopy
	// Unchangeable means Session.SetAttributeValue always rejects a change
	// (CopyObject too, unless ChangeOnCopy is also set).
	Unchangeable
)

// SchemaEntry is one (id, flags[, default]) schema row, as declared by a
// Factory.
type SchemaEntry struct {
	ID      uint
	Flags   Flag
	Default attribute.Attribute // only consulted if Flags&Defval != 0
}

// CommonObjectAttrs is every object's minimal schema: CKA_CLASS.
func CommonObjectAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_CLASS, Flags: RequiredOnCreate | Unchangeable},
	}
}

// CommonStorageAttrs is the schema shared by every persistable object.
func CommonStorageAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_TOKEN, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_TOKEN, false)},
		{ID: pkcs11.CKA_PRIVATE, Flags: Defval | ChangeOnCopy, Default: attribute.FromBool(pkcs11.CKA_PRIVATE, false)},
		{ID: pkcs11.CKA_MODIFIABLE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_MODIFIABLE, true)},
		{ID: pkcs11.CKA_LABEL, Flags: 0},
		{ID: pkcs11.CKA_COPYABLE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_COPYABLE, true)},
		{ID: pkcs11.CKA_DESTROYABLE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_DESTROYABLE, true)},
		{ID: ck.CKA_UNIQUE_ID, Flags: RequiredOnCreate | Unchangeable},
	}
}

// CommonKeyAttrs is the schema shared by every key object (public,
// private, or secret).
func CommonKeyAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_KEY_TYPE, Flags: RequiredOnCreate | SettableOnlyOnCreate},
		{ID: pkcs11.CKA_ID, Flags: Defval, Default: attribute.FromBytes(pkcs11.CKA_ID, nil)},
		{ID: pkcs11.CKA_START_DATE, Flags: 0},
		{ID: pkcs11.CKA_END_DATE, Flags: 0},
		{ID: pkcs11.CKA_DERIVE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_DERIVE, false)},
		{ID: pkcs11.CKA_LOCAL, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_LOCAL, false)},
	}
}

// CommonSecretKeyAttrs is the schema shared by every secret (symmetric)
// key.
func CommonSecretKeyAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_SENSITIVE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_SENSITIVE, true)},
		{ID: pkcs11.CKA_ENCRYPT, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_ENCRYPT, false)},
		{ID: pkcs11.CKA_DECRYPT, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_DECRYPT, false)},
		{ID: pkcs11.CKA_SIGN, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_SIGN, false)},
		{ID: pkcs11.CKA_VERIFY, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_VERIFY, false)},
		{ID: pkcs11.CKA_WRAP, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_WRAP, false)},
		{ID: pkcs11.CKA_UNWRAP, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_UNWRAP, false)},
		{ID: pkcs11.CKA_EXTRACTABLE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_EXTRACTABLE, true)},
		{ID: pkcs11.CKA_ALWAYS_SENSITIVE, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_ALWAYS_SENSITIVE, false)},
		{ID: pkcs11.CKA_NEVER_EXTRACTABLE, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_NEVER_EXTRACTABLE, false)},
		{ID: pkcs11.CKA_WRAP_WITH_TRUSTED, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_WRAP_WITH_TRUSTED, false)},
		{ID: pkcs11.CKA_TRUSTED, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_TRUSTED, false)},
	}
}

// CommonPrivateKeyAttrs is the schema shared by every private key.
func CommonPrivateKeyAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_SENSITIVE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_SENSITIVE, true)},
		{ID: pkcs11.CKA_DECRYPT, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_DECRYPT, false)},
		{ID: pkcs11.CKA_SIGN, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_SIGN, false)},
		{ID: pkcs11.CKA_UNWRAP, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_UNWRAP, false)},
		{ID: pkcs11.CKA_EXTRACTABLE, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_EXTRACTABLE, false)},
		{ID: pkcs11.CKA_ALWAYS_SENSITIVE, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_ALWAYS_SENSITIVE, false)},
		{ID: pkcs11.CKA_NEVER_EXTRACTABLE, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_NEVER_EXTRACTABLE, false)},
	}
}

// CommonPublicKeyAttrs is the schema shared by every public key.
func CommonPublicKeyAttrs() []SchemaEntry {
	return []SchemaEntry{
		{ID: pkcs11.CKA_ENCRYPT, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_ENCRYPT, false)},
		{ID: pkcs11.CKA_VERIFY, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_VERIFY, false)},
		{ID: pkcs11.CKA_WRAP, Flags: Defval, Default: attribute.FromBool(pkcs11.CKA_WRAP, false)},
		{ID: pkcs11.CKA_TRUSTED, Flags: Defval | Unchangeable, Default: attribute.FromBool(pkcs11.CKA_TRUSTED, false)},
	}
}

// Factory validates and builds objects of one (class, key type).
type Factory interface {
	// Schema returns the full attribute schema for this factory's class,
	// already composed from the Common*Attrs() building blocks plus any
	// class-specific entries.
	Schema() []SchemaEntry
	// Validate runs class-specific checks/derived-attribute synthesis
	// after the generic schema checks in Create have passed.
	Validate(obj *Object) error
}

// SecretKeyFactory is implemented by factories for CKO_SECRET_KEY classes
// that support wrap/unwrap/derive key-material plumbing.
type SecretKeyFactory interface {
	Factory
	ExportForWrapping(obj *Object) ([]byte, error)
	ImportFromWrapped(data []byte, template []attribute.Attribute) (*Object, error)
	SetKey(obj *Object, key []byte) error
}

// Key identifies a registered factory by (class, key type). Data objects
// and other classless-of-key-type objects use NoKeyType.
type Key struct {
	Class   uint64
	KeyType uint64
}

// NoKeyType is used as Key.KeyType for factories whose class carries no
// CKA_KEY_TYPE (e.g. CKO_DATA).
const NoKeyType = ^uint64(0)

// Registry is a process-wide map from (class, key type) to Factory,
// built once at startup and read-only thereafter.
type Registry struct {
	factories map[Key]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Key]Factory)}
}

func (r *Registry) Add(class, keyType uint64, f Factory) {
	r.factories[Key{Class: class, KeyType: keyType}] = f
}

func (r *Registry) Get(class, keyType uint64) (Factory, bool) {
	f, ok := r.factories[Key{Class: class, KeyType: keyType}]
	return f, ok
}

// factoryFor resolves the factory for template's CLASS (+ KEY_TYPE, where
// the class requires one).
func (r *Registry) factoryFor(template []attribute.Attribute) (Factory, error) {
	var class uint64
	var keyType uint64 = NoKeyType
	haveClass := false
	for _, a := range template {
		if a.ID == pkcs11.CKA_CLASS {
			v, err := attribute.ToUlong(a)
			if err != nil {
				return nil, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, err, "CLASS")
			}
			class = v
			haveClass = true
		}
		if a.ID == pkcs11.CKA_KEY_TYPE {
			v, err := attribute.ToUlong(a)
			if err != nil {
				return nil, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, err, "KEY_TYPE")
			}
			keyType = v
		}
	}
	if !haveClass {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "template has no CLASS")
	}
	if f, ok := r.Get(class, keyType); ok {
		return f, nil
	}
	return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "no factory for requested class/key type")
}

// Create allocates a UNIQUE_ID, validates the template against the
// resolved factory's schema, fills defaults, checks completeness, then
// delegates to the factory's class-specific Validate.
func (r *Registry) Create(handle uint64, template []attribute.Attribute) (*Object, error) {
	f, err := r.factoryFor(template)
	if err != nil {
		return nil, err
	}
	obj, err := buildFromTemplate(handle, template, f.Schema())
	if err != nil {
		return nil, err
	}
	if err := f.Validate(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// FactoryFor exposes factory resolution by (class, key type) directly, for
// callers (KeyGen, Derive, Unwrap) that already know both.
func (r *Registry) FactoryFor(class, keyType uint64) (Factory, error) {
	if f, ok := r.Get(class, keyType); ok {
		return f, nil
	}
	return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "no factory for requested class/key type")
}

func buildFromTemplate(handle uint64, template []attribute.Attribute, schema []SchemaEntry) (*Object, error) {
	obj := New(handle)
	obj.appendNoMark(attribute.FromString(ck.CKA_UNIQUE_ID, newUniqueID()))

	present := make(map[uint]bool, len(schema))
	present[ck.CKA_UNIQUE_ID] = true
	schemaByID := make(map[uint]SchemaEntry, len(schema))
	for _, s := range schema {
		schemaByID[s.ID] = s
	}

	seen := make(map[uint]bool, len(template))
	for _, a := range template {
		if a.ID == ck.CKA_UNIQUE_ID {
			// Callers may not set UNIQUE_ID; it is assigned above.
			return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "UNIQUE_ID is not settable")
		}
		if _, known := schemaByID[a.ID]; !known {
			return nil, cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "attribute 0x%08x is not valid for this object class", a.ID)
		}
		if attribute.KindOf(a.ID) == attribute.DenyList {
			return nil, cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "attribute 0x%08x may not be set directly", a.ID)
		}
		if a.Kind != attribute.KindOf(a.ID) {
			return nil, cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute 0x%08x has the wrong value type", a.ID)
		}
		if seen[a.ID] {
			return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "duplicate attribute in template")
		}
		seen[a.ID] = true
		present[a.ID] = true
		obj.appendNoMark(a)
	}

	for _, s := range schema {
		if present[s.ID] {
			continue
		}
		if s.Flags&Defval != 0 {
			obj.appendNoMark(s.Default)
			present[s.ID] = true
		}
	}

	for _, s := range schema {
		if s.Flags&RequiredOnCreate != 0 && !present[s.ID] {
			return nil, cryptokierr.Newf(pkcs11.CKR_TEMPLATE_INCOMPLETE, "missing required attribute 0x%08x", s.ID)
		}
	}

	return obj, nil
}

// CheckOrSet sets attribute a on obj if absent, or confirms an existing
// value matches a's bytes exactly; returns false on a genuine conflict.
// Factory Validate methods use it to synthesize or confirm a derived
// attribute (VALUE_LEN, MODULUS_BITS).
func CheckOrSet(obj *Object, a attribute.Attribute) bool {
	existing, ok := obj.Attr(a.ID)
	if !ok {
		obj.SetAttr(a)
		return true
	}
	return attribute.MatchCKAttr(existing, a.ID, a.Value)
}
