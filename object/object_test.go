// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

func newRegistry() *Registry {
	reg := NewRegistry()
	RegisterFactories(reg)
	return reg
}

func TestCreateDataObjectFillsDefaults(t *testing.T) {
	reg := newRegistry()
	obj, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_DATA)),
		attribute.FromString(pkcs11.CKA_APPLICATION, "app"),
		attribute.FromBytes(pkcs11.CKA_VALUE, []byte("payload")),
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	if _, err := obj.UID(); err != nil {
		t.Fatalf("expected a UNIQUE_ID to be assigned: %s", err)
	}
	if obj.IsToken() {
		t.Fatal("expected CKA_TOKEN to default to false")
	}
}

func TestCreateRejectsCallerSuppliedUniqueID(t *testing.T) {
	reg := newRegistry()
	_, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_DATA)),
		attribute.FromString(pkcs11.CKA_APPLICATION, "app"),
		attribute.FromBytes(pkcs11.CKA_VALUE, []byte("payload")),
		attribute.FromString(ck.CKA_UNIQUE_ID, "not-allowed"),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_ATTRIBUTE_VALUE_INVALID) {
		t.Fatalf("expected ATTRIBUTE_VALUE_INVALID, got %v", err)
	}
}

func TestCreateMissingRequiredAttribute(t *testing.T) {
	reg := newRegistry()
	_, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_DATA)),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_TEMPLATE_INCOMPLETE) {
		t.Fatalf("expected TEMPLATE_INCOMPLETE, got %v", err)
	}
}

func TestFillTemplateGatesSensitiveAESValue(t *testing.T) {
	reg := newRegistry()
	obj, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromBytes(pkcs11.CKA_VALUE, make([]byte, 16)),
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}

	results, err := obj.FillTemplate([]TemplateEntry{{ID: pkcs11.CKA_VALUE, Len: -1}})
	if err == nil {
		t.Fatal("expected FillTemplate to report a sensitivity failure")
	}
	if results[0].RV != pkcs11.CKR_ATTRIBUTE_SENSITIVE {
		t.Fatalf("got RV %#x, want CKR_ATTRIBUTE_SENSITIVE", results[0].RV)
	}

	nonSensitive, err := obj.FillTemplate([]TemplateEntry{{ID: pkcs11.CKA_KEY_TYPE, Len: -1}})
	if err != nil {
		t.Fatalf("FillTemplate(KEY_TYPE): %s", err)
	}
	if nonSensitive[0].RV != pkcs11.CKR_OK {
		t.Fatalf("got RV %#x, want CKR_OK", nonSensitive[0].RV)
	}
}

func TestSetAttrPreservesOrderAndMarksModified(t *testing.T) {
	obj := New(1)
	obj.SetAttr(attribute.FromString(pkcs11.CKA_LABEL, "a"))
	obj.SetAttr(attribute.FromString(pkcs11.CKA_APPLICATION, "b"))
	obj.ResetModified()
	if obj.IsModified() {
		t.Fatal("expected modified flag cleared after ResetModified")
	}

	obj.SetAttr(attribute.FromString(pkcs11.CKA_LABEL, "a-changed"))
	if !obj.IsModified() {
		t.Fatal("expected SetAttr to mark the object modified")
	}
	attrs := obj.Attributes()
	if len(attrs) != 2 || attrs[0].ID != pkcs11.CKA_LABEL {
		t.Fatalf("expected LABEL to keep its original position, got %+v", attrs)
	}
}

func TestZeroizeClearsByteAttributes(t *testing.T) {
	obj := New(1)
	obj.SetAttr(attribute.FromBytes(pkcs11.CKA_VALUE, []byte{1, 2, 3, 4}))
	obj.Zeroize()
	a, _ := obj.Attr(pkcs11.CKA_VALUE)
	for _, b := range a.Value {
		if b != 0 {
			t.Fatalf("expected all-zero bytes after Zeroize, got %v", a.Value)
		}
	}
}
