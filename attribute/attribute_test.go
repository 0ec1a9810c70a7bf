// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package attribute

import (
	"testing"

	"github.com/miekg/pkcs11"
)

func TestJSONRoundTrip(t *testing.T) {
	tests := []Attribute{
		FromBool(pkcs11.CKA_TOKEN, true),
		FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		FromBytes(pkcs11.CKA_VALUE, []byte{0x01, 0x02, 0x03}),
		FromString(pkcs11.CKA_LABEL, "my key"),
	}

	for _, a := range tests {
		name := JSONName(a.ID)
		v, err := JSONValue(a)
		if err != nil {
			t.Fatalf("JSONValue(%v): %s", a, err)
		}
		back, ok, err := FromValue(name, v)
		if err != nil {
			t.Fatalf("FromValue(%q, %v): %s", name, v, err)
		}
		if !ok {
			t.Fatalf("FromValue(%q, ...) reported unknown name", name)
		}
		if back.ID != a.ID || back.Kind != a.Kind || string(back.Value) != string(a.Value) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", back, a)
		}
	}
}

func TestFromValueUnknownNameDropped(t *testing.T) {
	_, ok, err := FromValue("NOT_A_REAL_ATTRIBUTE", "whatever")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ok {
		t.Fatal("expected an unrecognized name to be reported as unknown, not an error")
	}
}

func TestMatchCKAttr(t *testing.T) {
	a := FromString(pkcs11.CKA_LABEL, "foo")
	if !MatchCKAttr(a, pkcs11.CKA_LABEL, []byte("foo")) {
		t.Fatal("expected exact match")
	}
	if MatchCKAttr(a, pkcs11.CKA_LABEL, []byte("bar")) {
		t.Fatal("expected mismatch on different value")
	}
	if MatchCKAttr(a, pkcs11.CKA_APPLICATION, []byte("foo")) {
		t.Fatal("expected mismatch on different id")
	}
}
