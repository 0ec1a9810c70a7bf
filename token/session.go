// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"sync"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// opKind names the operation-kind slots a session enforces "at most one
// active operation per kind" over.
type opKind int

const (
	opEncrypt opKind = iota
	opDecrypt
	opSign
	opVerify
	opDigest
)

// Session is a session-scoped view onto a Token: its own object-handle
// cache (populated by CreateObject/FindObjects/GenerateKey/DeriveKey/
// UnwrapKey) and its own set of in-flight operations, one per opKind.
type Session struct {
	token  *Token
	handle uint64

	mu      sync.Mutex
	objects map[uint64]*object.Object
	ops     map[opKind]any
}

func (s *Session) Handle() uint64 { return s.handle }

// close finalizes every in-flight operation and retires every
// session-scoped object this session owns. Token objects are left on
// disk and in the cache untouched.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.ops {
		delete(s.ops, kind)
	}
	for h, obj := range s.objects {
		if !obj.IsToken() && obj.Session() == s.handle {
			// Session-scoped objects die with their session: drop them
			// from the storage cache so a later Search cannot resurrect a
			// zeroized object, then wipe the key material.
			if uid, err := obj.UID(); err == nil {
				_ = s.token.store.RemoveByUID(uid)
			}
			obj.Zeroize()
		}
		delete(s.objects, h)
	}
}

func (s *Session) resolveObject(handle uint64) (*object.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[handle]
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_OBJECT_HANDLE_INVALID, "handle is not known to this session")
	}
	return obj, nil
}

// installNewObject assigns obj a fresh handle, stores it (the storage
// layer caches even non-token objects, so every object this process
// creates is visible to a later Search regardless of TOKEN), and adopts
// it into the session's own handle cache.
func (s *Session) installNewObject(obj *object.Object) (uint64, error) {
	h := s.token.allocHandle()
	obj.SetHandle(h)
	obj.SetSession(s.handle)

	uid, err := obj.UID()
	if err != nil {
		return 0, err
	}
	if err := s.token.store.Store(uid, obj); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.objects[h] = obj
	s.mu.Unlock()
	s.token.log.Debug("session %d installed object %d (uid %s, token=%v)", s.handle, h, uid, obj.IsToken())
	return h, nil
}

// CreateObject allocates a fresh handle, has the object-factory registry
// validate and build the object from template, and stores the result
// (persisted to disk if CKA_TOKEN=true) and caches it in this session.
func (s *Session) CreateObject(template []attribute.Attribute) (uint64, error) {
	h := s.token.allocHandle()
	obj, err := s.token.factories.Create(h, template)
	if err != nil {
		return 0, err
	}
	return s.installNewObject(obj)
}

// CopyObject clones an existing object, applying overrides from template
// (rejecting any override of an attribute the factory schema marks neither
// ChangeOnCopy nor otherwise settable), and installs the copy as a new
// object with a fresh handle and UNIQUE_ID.
func (s *Session) CopyObject(handle uint64, template []attribute.Attribute) (uint64, error) {
	src, err := s.resolveObject(handle)
	if err != nil {
		return 0, err
	}
	class, keyType, err := classKeyTypeOfObject(src)
	if err != nil {
		return 0, err
	}
	factory, err := s.token.factories.FactoryFor(class, keyType)
	if err != nil {
		return 0, err
	}

	cp := src.Clone()
	cp.SetHandle(0)
	cp.SetAttr(attribute.FromString(ck.CKA_UNIQUE_ID, uuid.New().String()))

	schemaByID := make(map[uint]object.Flag, len(factory.Schema()))
	for _, entry := range factory.Schema() {
		schemaByID[entry.ID] = entry.Flags
	}
	for _, a := range template {
		flags, known := schemaByID[a.ID]
		if !known {
			return 0, cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "attribute 0x%08x is not valid for this object class", a.ID)
		}
		if flags&(object.Unchangeable|object.SettableOnlyOnCreate) != 0 && flags&object.ChangeOnCopy == 0 {
			return 0, cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_READ_ONLY, "attribute 0x%08x may not be changed on copy", a.ID)
		}
		cp.SetAttr(a)
	}
	if err := factory.Validate(cp); err != nil {
		return 0, err
	}
	return s.installNewObject(cp)
}

// DestroyObject zeroizes the object, drops it from this session's handle
// cache and the storage cache, and if token-resident, deletes its rows.
func (s *Session) DestroyObject(handle uint64) error {
	s.mu.Lock()
	obj, ok := s.objects[handle]
	if ok {
		delete(s.objects, handle)
	}
	s.mu.Unlock()
	if !ok {
		return cryptokierr.New(pkcs11.CKR_OBJECT_HANDLE_INVALID, "handle is not known to this session")
	}

	uid, err := obj.UID()
	if err != nil {
		return err
	}
	// RemoveByUID drops the cache entry for session objects too; only
	// token-resident ones have rows to delete.
	if err := s.token.store.RemoveByUID(uid); err != nil {
		return err
	}
	obj.Zeroize()
	s.token.log.Debug("session %d destroyed object %d", s.handle, handle)
	return nil
}

// GetAttributeValue performs best-effort attribute readback with
// sensitivity gating, via Object.FillTemplate.
func (s *Session) GetAttributeValue(handle uint64, entries []object.TemplateEntry) ([]object.TemplateResult, error) {
	obj, err := s.resolveObject(handle)
	if err != nil {
		return nil, err
	}
	return obj.FillTemplate(entries)
}

// AttributeIDs returns every attribute id present on the object at handle,
// without reading any values. Ids themselves carry no key material, so this
// is not subject to the sensitivity gating FillTemplate enforces; it exists
// for callers (the admin CLI's export command) that need to discover which
// ids to then request through GetAttributeValue.
func (s *Session) AttributeIDs(handle uint64) ([]uint, error) {
	obj, err := s.resolveObject(handle)
	if err != nil {
		return nil, err
	}
	attrs := obj.Attributes()
	ids := make([]uint, len(attrs))
	for i, a := range attrs {
		ids[i] = a.ID
	}
	return ids, nil
}

// SetAttributeValue applies template to the object at handle, rejecting
// any attribute the resolved factory's schema marks Unchangeable or
// SettableOnlyOnCreate, then re-persists a token-resident object
// immediately so a crash before the next Flush cannot lose the change.
func (s *Session) SetAttributeValue(handle uint64, template []attribute.Attribute) error {
	obj, err := s.resolveObject(handle)
	if err != nil {
		return err
	}
	class, keyType, err := classKeyTypeOfObject(obj)
	if err != nil {
		return err
	}
	factory, err := s.token.factories.FactoryFor(class, keyType)
	if err != nil {
		return err
	}
	schemaByID := make(map[uint]object.Flag, len(factory.Schema()))
	for _, entry := range factory.Schema() {
		schemaByID[entry.ID] = entry.Flags
	}
	for _, a := range template {
		flags, known := schemaByID[a.ID]
		if !known {
			return cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "attribute 0x%08x is not valid for this object class", a.ID)
		}
		if flags&(object.Unchangeable|object.SettableOnlyOnCreate) != 0 {
			return cryptokierr.Newf(pkcs11.CKR_ATTRIBUTE_READ_ONLY, "attribute 0x%08x cannot be modified after creation", a.ID)
		}
	}
	for _, a := range template {
		obj.SetAttr(a)
	}
	if obj.IsToken() {
		uid, err := obj.UID()
		if err != nil {
			return err
		}
		return s.token.store.Store(uid, obj)
	}
	return nil
}

// FindObjects searches storage and adopts every match into this
// session's handle cache (allocating a handle the first time any session
// observes it) so a subsequent Get/SetAttributeValue or operation can
// reference it by handle.
func (s *Session) FindObjects(template []attribute.Attribute) ([]uint64, error) {
	objs, err := s.token.store.Search(template)
	if err != nil {
		return nil, err
	}
	handles := make([]uint64, 0, len(objs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objs {
		h := obj.Handle()
		if h == 0 {
			h = s.token.allocHandle()
			obj.SetHandle(h)
		}
		s.objects[h] = obj
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Session) startOp(kind opKind, op any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ops[kind]; busy {
		return cryptokierr.New(pkcs11.CKR_OPERATION_ACTIVE, "an operation of this kind is already active on this session")
	}
	s.ops[kind] = op
	return nil
}

func (s *Session) activeOp(kind opKind) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[kind]
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "no active operation of this kind")
	}
	return op, nil
}

func (s *Session) endOp(kind opKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, kind)
}

func mechanismDescriptor(t *Token, mechID uint, want mechanism.Flag) (*mechanism.Descriptor, error) {
	desc, err := t.mechanisms.Get(mechID)
	if err != nil {
		return nil, err
	}
	if !desc.Info.Flags.Has(want) {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not support the requested operation kind")
	}
	return desc, nil
}

// EncryptInit begins an encryption operation bound to the key at
// keyHandle; the operation is Ready on return.
func (s *Session) EncryptInit(mechID uint, params mechanism.Params, keyHandle uint64) error {
	key, err := s.resolveObject(keyHandle)
	if err != nil {
		return err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Encrypt)
	if err != nil {
		return err
	}
	if desc.NewEncryption == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement encryption")
	}
	op, err := desc.NewEncryption(key, params)
	if err != nil {
		return err
	}
	return s.startOp(opEncrypt, op)
}

func (s *Session) EncryptUpdate(plaintext []byte) ([]byte, error) {
	v, err := s.activeOp(opEncrypt)
	if err != nil {
		return nil, err
	}
	out, err := v.(mechanism.Encryptor).Update(plaintext)
	if err != nil {
		s.endOp(opEncrypt)
	}
	return out, err
}

func (s *Session) EncryptFinal() ([]byte, error) {
	defer s.endOp(opEncrypt)
	v, err := s.activeOp(opEncrypt)
	if err != nil {
		return nil, err
	}
	return v.(mechanism.Encryptor).Final()
}

// DecryptInit begins a decryption operation bound to the key at
// keyHandle.
func (s *Session) DecryptInit(mechID uint, params mechanism.Params, keyHandle uint64) error {
	key, err := s.resolveObject(keyHandle)
	if err != nil {
		return err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Decrypt)
	if err != nil {
		return err
	}
	if desc.NewDecryption == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement decryption")
	}
	op, err := desc.NewDecryption(key, params)
	if err != nil {
		return err
	}
	return s.startOp(opDecrypt, op)
}

func (s *Session) DecryptUpdate(ciphertext []byte) ([]byte, error) {
	v, err := s.activeOp(opDecrypt)
	if err != nil {
		return nil, err
	}
	out, err := v.(mechanism.Decryptor).Update(ciphertext)
	if err != nil {
		s.endOp(opDecrypt)
	}
	return out, err
}

func (s *Session) DecryptFinal() ([]byte, error) {
	defer s.endOp(opDecrypt)
	v, err := s.activeOp(opDecrypt)
	if err != nil {
		return nil, err
	}
	return v.(mechanism.Decryptor).Final()
}

// SignInit begins a sign operation bound to the key at keyHandle.
func (s *Session) SignInit(mechID uint, params mechanism.Params, keyHandle uint64) error {
	key, err := s.resolveObject(keyHandle)
	if err != nil {
		return err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Sign)
	if err != nil {
		return err
	}
	if desc.NewSign == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement signing")
	}
	op, err := desc.NewSign(key, params)
	if err != nil {
		return err
	}
	return s.startOp(opSign, op)
}

func (s *Session) SignUpdate(data []byte) error {
	v, err := s.activeOp(opSign)
	if err != nil {
		return err
	}
	if err := v.(mechanism.Signer).Update(data); err != nil {
		s.endOp(opSign)
		return err
	}
	return nil
}

func (s *Session) SignFinal() ([]byte, error) {
	defer s.endOp(opSign)
	v, err := s.activeOp(opSign)
	if err != nil {
		return nil, err
	}
	return v.(mechanism.Signer).Final()
}

// VerifyInit begins a verify operation bound to the key at keyHandle.
func (s *Session) VerifyInit(mechID uint, params mechanism.Params, keyHandle uint64) error {
	key, err := s.resolveObject(keyHandle)
	if err != nil {
		return err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Verify)
	if err != nil {
		return err
	}
	if desc.NewVerify == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement verification")
	}
	op, err := desc.NewVerify(key, params)
	if err != nil {
		return err
	}
	return s.startOp(opVerify, op)
}

func (s *Session) VerifyUpdate(data []byte) error {
	v, err := s.activeOp(opVerify)
	if err != nil {
		return err
	}
	if err := v.(mechanism.Verifier).Update(data); err != nil {
		s.endOp(opVerify)
		return err
	}
	return nil
}

func (s *Session) VerifyFinal(signature []byte) error {
	defer s.endOp(opVerify)
	v, err := s.activeOp(opVerify)
	if err != nil {
		return err
	}
	return v.(mechanism.Verifier).Final(signature)
}

// DigestInit begins a digest operation. Unlike the other operation kinds
// it carries no key.
func (s *Session) DigestInit(mechID uint, params mechanism.Params) error {
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Digest)
	if err != nil {
		return err
	}
	if desc.NewDigest == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement digesting")
	}
	op, err := desc.NewDigest(params)
	if err != nil {
		return err
	}
	return s.startOp(opDigest, op)
}

func (s *Session) DigestUpdate(data []byte) error {
	v, err := s.activeOp(opDigest)
	if err != nil {
		return err
	}
	if err := v.(mechanism.Digester).Update(data); err != nil {
		s.endOp(opDigest)
		return err
	}
	return nil
}

func (s *Session) DigestFinal() ([]byte, error) {
	defer s.endOp(opDigest)
	v, err := s.activeOp(opDigest)
	if err != nil {
		return nil, err
	}
	return v.(mechanism.Digester).Final()
}

// GenerateKey runs a Generate-capable mechanism's NewKeyGen; the
// produced object is installed into this session the same way
// CreateObject installs a caller-built one.
func (s *Session) GenerateKey(mechID uint, params mechanism.Params, template []attribute.Attribute) (uint64, error) {
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Generate)
	if err != nil {
		return 0, err
	}
	if desc.NewKeyGen == nil {
		return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement key generation")
	}
	obj, err := desc.NewKeyGen(s.token.factories, params, template)
	if err != nil {
		return 0, err
	}
	return s.installNewObject(obj)
}

// DeriveKey runs a Derive-capable mechanism (AES encrypt-data, HKDF)
// against the base key and installs the derived object.
func (s *Session) DeriveKey(mechID uint, params mechanism.Params, baseKeyHandle uint64, template []attribute.Attribute) (uint64, error) {
	baseKey, err := s.resolveObject(baseKeyHandle)
	if err != nil {
		return 0, err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Derive)
	if err != nil {
		return 0, err
	}
	if desc.NewDerive == nil {
		return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement derive")
	}
	obj, err := desc.NewDerive(s.token.factories, baseKey, params, template)
	if err != nil {
		return 0, err
	}
	return s.installNewObject(obj)
}

// WrapKey exports and encrypts the key at keyHandle under the wrapping
// key; the wrapped key's own factory (resolved by its CLASS/KEY_TYPE)
// supplies ExportForWrapping.
func (s *Session) WrapKey(mechID uint, params mechanism.Params, wrappingKeyHandle, keyHandle uint64) ([]byte, error) {
	wrappingKey, err := s.resolveObject(wrappingKeyHandle)
	if err != nil {
		return nil, err
	}
	key, err := s.resolveObject(keyHandle)
	if err != nil {
		return nil, err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Wrap)
	if err != nil {
		return nil, err
	}
	if desc.NewWrap == nil {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement wrap")
	}
	class, keyType, err := classKeyTypeOfObject(key)
	if err != nil {
		return nil, err
	}
	factory, err := s.token.factories.FactoryFor(class, keyType)
	if err != nil {
		return nil, err
	}
	return desc.NewWrap(factory, wrappingKey, key, params)
}

// UnwrapKey decrypts wrapped under the wrapping key and imports the
// plaintext through the factory resolved from template's CLASS/KEY_TYPE:
// an unwrapped key's class and type are whatever the caller's template
// declares them to be.
func (s *Session) UnwrapKey(mechID uint, params mechanism.Params, wrappingKeyHandle uint64, wrapped []byte, template []attribute.Attribute) (uint64, error) {
	wrappingKey, err := s.resolveObject(wrappingKeyHandle)
	if err != nil {
		return 0, err
	}
	desc, err := mechanismDescriptor(s.token, mechID, mechanism.Unwrap)
	if err != nil {
		return 0, err
	}
	if desc.NewUnwrap == nil {
		return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "mechanism does not implement unwrap")
	}
	class, keyType, err := classKeyTypeOf(template)
	if err != nil {
		return 0, err
	}
	factory, err := s.token.factories.FactoryFor(class, keyType)
	if err != nil {
		return 0, err
	}
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "target class does not support unwrap")
	}
	obj, err := desc.NewUnwrap(secretFactory, wrappingKey, wrapped, params, template)
	if err != nil {
		return 0, err
	}
	return s.installNewObject(obj)
}

func classKeyTypeOfObject(obj *object.Object) (class, keyType uint64, err error) {
	class, err = obj.Class()
	if err != nil {
		return 0, 0, err
	}
	kt, ok := obj.KeyType()
	if !ok {
		return class, object.NoKeyType, nil
	}
	return class, kt, nil
}
