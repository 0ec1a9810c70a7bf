// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package object implements the Cryptoki object layer: an ordered
// collection of attributes addressable by a numeric handle and a stable
// UUIDv4 unique id, with sensitivity gating on read and per-class
// validation delegated to factories.
package object

import (
	"sync"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// Object is a bag of attributes addressable by a numeric handle and a
// stable UUIDv4 (its CKA_UNIQUE_ID).
type Object struct {
	mu         sync.Mutex
	handle     uint64
	attributes []attribute.Attribute
	modified   bool
	session    uint64
}

// sensitiveAttrs maps a key type (CKK_*) to the attribute ids that must be
// withheld from readback once the owning object is sensitive or
// non-extractable.
var sensitiveAttrs = map[uint64][]uint{
	pkcs11.CKK_RSA: {
		pkcs11.CKA_PRIVATE_EXPONENT,
		pkcs11.CKA_PRIME_1,
		pkcs11.CKA_PRIME_2,
		pkcs11.CKA_EXPONENT_1,
		pkcs11.CKA_EXPONENT_2,
		pkcs11.CKA_COEFFICIENT,
	},
	pkcs11.CKK_EC:             {pkcs11.CKA_VALUE},
	ck.CKK_EC_EDWARDS:         {pkcs11.CKA_VALUE},
	ck.CKK_EC_MONTGOMERY:      {pkcs11.CKA_VALUE},
	pkcs11.CKK_DH:             {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_BITS},
	pkcs11.CKK_X9_42_DH:       {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_BITS},
	pkcs11.CKK_DSA:            {pkcs11.CKA_VALUE},
	pkcs11.CKK_GENERIC_SECRET: {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
	pkcs11.CKK_AES:            {pkcs11.CKA_VALUE},
	pkcs11.CKK_SHA_1_HMAC:     {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
	pkcs11.CKK_SHA256_HMAC:    {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
	pkcs11.CKK_SHA384_HMAC:    {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
	pkcs11.CKK_SHA512_HMAC:    {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
	ck.CKK_SHA3_256_HMAC:      {pkcs11.CKA_VALUE, pkcs11.CKA_VALUE_LEN},
}

// New wraps a freshly allocated handle with no attributes. UNIQUE_ID is
// assigned by Create, not here, so that objects rebuilt from storage (which
// already carry a UNIQUE_ID row) can use New too.
func New(handle uint64) *Object {
	return &Object{handle: handle}
}

func newUniqueID() string {
	return uuid.New().String()
}

func (o *Object) Handle() uint64 { return o.handle }

func (o *Object) SetHandle(h uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handle = h
}

func (o *Object) Session() uint64 { return o.session }

func (o *Object) SetSession(s uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
}

func (o *Object) IsModified() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modified
}

func (o *Object) ResetModified() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modified = false
}

// Attributes returns the object's attributes in insertion order. The
// returned slice must not be mutated by the caller.
func (o *Object) Attributes() []attribute.Attribute {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attributes
}

func (o *Object) find(id uint) (attribute.Attribute, bool) {
	for _, a := range o.attributes {
		if a.ID == id {
			return a, true
		}
	}
	return attribute.Attribute{}, false
}

// Attr returns the raw attribute with the given id, without any
// sensitivity gating. Internal callers that have already done their own
// access-control check use this; external callers should use FillTemplate.
func (o *Object) Attr(id uint) (attribute.Attribute, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.find(id)
}

// SetAttr inserts or replaces the attribute with a's id, preserving
// position on replacement, and marks the object modified.
func (o *Object) SetAttr(a attribute.Attribute) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.attributes {
		if o.attributes[i].ID == a.ID {
			o.attributes[i] = a
			o.modified = true
			return
		}
	}
	o.attributes = append(o.attributes, a)
	o.modified = true
}

// appendNoMark is used by Create/storage rebuilding, which must not be
// seen as "modified" merely for having been populated.
func (o *Object) appendNoMark(a attribute.Attribute) {
	o.attributes = append(o.attributes, a)
}

func (o *Object) boolAttr(id uint, def bool) bool {
	a, ok := o.find(id)
	if !ok {
		return def
	}
	v, err := attribute.ToBool(a)
	if err != nil {
		return def
	}
	return v
}

func (o *Object) IsToken() bool      { o.mu.Lock(); defer o.mu.Unlock(); return o.boolAttr(pkcs11.CKA_TOKEN, false) }
func (o *Object) IsSensitive() bool  { o.mu.Lock(); defer o.mu.Unlock(); return o.boolAttr(pkcs11.CKA_SENSITIVE, true) }
func (o *Object) IsExtractable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.boolAttr(pkcs11.CKA_EXTRACTABLE, false)
}

// UID returns the object's CKA_UNIQUE_ID.
func (o *Object) UID() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.find(ck.CKA_UNIQUE_ID)
	if !ok {
		return "", cryptokierr.New(pkcs11.CKR_GENERAL_ERROR, "object has no UNIQUE_ID")
	}
	return attribute.ToString(a)
}

// Class returns the object's CKA_CLASS.
func (o *Object) Class() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.find(pkcs11.CKA_CLASS)
	if !ok {
		return 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "object has no CLASS")
	}
	return attribute.ToUlong(a)
}

// KeyType returns the object's CKA_KEY_TYPE, if any.
func (o *Object) KeyType() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.find(pkcs11.CKA_KEY_TYPE)
	if !ok {
		return 0, false
	}
	v, err := attribute.ToUlong(a)
	if err != nil {
		return 0, false
	}
	return v, true
}

func containsID(ids []uint, id uint) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// MatchTemplate reports whether every (id, value) pair in template matches
// an attribute on o by id and exact byte value.
func (o *Object) MatchTemplate(template []attribute.Attribute) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range template {
		found := false
		for _, a := range o.attributes {
			if attribute.MatchCKAttr(a, t.ID, t.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TemplateEntry is a caller's request for one attribute during
// FillTemplate: Want is the id; Len, if >= 0, sizes the caller's buffer
// (mirroring CK_ATTRIBUTE.ulValueLen with a null pValue encoded as
// Len == -1, matching Cryptoki's two-pass length convention).
type TemplateEntry struct {
	ID  uint
	Len int // -1 means "caller passed a null buffer; report required length"
}

// TemplateResult is the outcome of filling one TemplateEntry.
type TemplateResult struct {
	ID     uint
	Value  []byte // nil if unavailable or the call was a length query
	Length int    // required/actual length, or CK_UNAVAILABLE_INFORMATION sentinel
	RV     uint   // CKR_OK, CKR_ATTRIBUTE_SENSITIVE, CKR_ATTRIBUTE_TYPE_INVALID, or CKR_BUFFER_TOO_SMALL
}

var unavailableInformation = ^uint64(0) // CK_UNAVAILABLE_INFORMATION, (~0UL)

// FillTemplate performs Cryptoki's "best-effort fill" readback: every
// entry in template is processed regardless of earlier failures, and the
// call's overall return value is the worst code seen, with precedence
// ATTRIBUTE_SENSITIVE > BUFFER_TOO_SMALL > ATTRIBUTE_TYPE_INVALID.
func (o *Object) FillTemplate(template []TemplateEntry) ([]TemplateResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sense := o.sensitiveSetLocked()
	results := make([]TemplateResult, len(template))
	worst := uint(pkcs11.CKR_OK)

	raise := func(rv uint) {
		switch worst {
		case pkcs11.CKR_ATTRIBUTE_SENSITIVE:
			return
		case pkcs11.CKR_BUFFER_TOO_SMALL:
			if rv == pkcs11.CKR_ATTRIBUTE_SENSITIVE {
				worst = rv
			}
			return
		default:
			if rv == pkcs11.CKR_ATTRIBUTE_SENSITIVE || rv == pkcs11.CKR_BUFFER_TOO_SMALL ||
				(worst == pkcs11.CKR_OK && rv != pkcs11.CKR_OK) {
				worst = rv
			}
		}
	}

	for i, t := range template {
		r := TemplateResult{ID: t.ID}

		if sense != nil && containsID(sense, t.ID) && o.isSensitiveAttrLocked(t.ID, sense) {
			r.Length = int(unavailableInformation)
			r.RV = pkcs11.CKR_ATTRIBUTE_SENSITIVE
			raise(r.RV)
			results[i] = r
			continue
		}

		a, ok := o.find(t.ID)
		if !ok {
			r.Length = int(unavailableInformation)
			r.RV = pkcs11.CKR_ATTRIBUTE_TYPE_INVALID
			raise(r.RV)
			results[i] = r
			continue
		}

		if t.Len < 0 {
			r.Length = len(a.Value)
			r.RV = pkcs11.CKR_OK
			results[i] = r
			continue
		}

		if t.Len < len(a.Value) {
			r.Length = int(unavailableInformation)
			r.RV = pkcs11.CKR_BUFFER_TOO_SMALL
			raise(r.RV)
			results[i] = r
			continue
		}

		r.Value = append([]byte(nil), a.Value...)
		r.Length = len(a.Value)
		r.RV = pkcs11.CKR_OK
		results[i] = r
	}

	if worst != pkcs11.CKR_OK {
		return results, cryptokierr.New(worst, "fill_template")
	}
	return results, nil
}

func (o *Object) sensitiveSetLocked() []uint {
	var class uint64
	var kt uint64
	haveClass, haveKt := false, false
	for _, a := range o.attributes {
		if a.ID == pkcs11.CKA_CLASS {
			if v, err := attribute.ToUlong(a); err == nil {
				class, haveClass = v, true
			}
		}
		if a.ID == pkcs11.CKA_KEY_TYPE {
			if v, err := attribute.ToUlong(a); err == nil {
				kt, haveKt = v, true
			}
		}
	}
	if !haveClass || !haveKt {
		return nil
	}
	if class != uint64(pkcs11.CKO_PRIVATE_KEY) && class != uint64(pkcs11.CKO_SECRET_KEY) {
		return nil
	}
	return sensitiveAttrs[kt]
}

func (o *Object) isSensitiveAttrLocked(id uint, sense []uint) bool {
	if !containsID(sense, id) {
		return false
	}
	if o.boolAttr(pkcs11.CKA_SENSITIVE, true) {
		return true
	}
	if !o.boolAttr(pkcs11.CKA_EXTRACTABLE, false) {
		return true
	}
	return false
}

// Zeroize overwrites every byte-valued attribute containing key material.
// Must run before the Object is released, on every destruction path.
func (o *Object) Zeroize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.attributes {
		if o.attributes[i].Kind == attribute.Bytes {
			for j := range o.attributes[i].Value {
				o.attributes[i].Value[j] = 0
			}
		}
	}
}

// Clone returns a deep, independent copy of o suitable for installing into
// a cache slot without aliasing the caller's attribute storage.
func (o *Object) Clone() *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := &Object{
		handle:     o.handle,
		modified:   o.modified,
		session:    o.session,
		attributes: make([]attribute.Attribute, len(o.attributes)),
	}
	for i, a := range o.attributes {
		v := make([]byte, len(a.Value))
		copy(v, a.Value)
		cp.attributes[i] = attribute.Attribute{ID: a.ID, Kind: a.Kind, Value: v}
	}
	return cp
}
