// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"bytes"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/cryptokierr"
)

// RFC 4493 §4 test vectors, all under the same 128-bit key.
func TestCMACMatchesRFC4493Vectors(t *testing.T) {
	key := testAESKey(t, mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"), pkcs11.CKA_SIGN, pkcs11.CKA_VERIFY)

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"len0", "", "bb1d6929e95937287fa37d129b756746"},
		{"len16", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"len40", "6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op, err := NewCMACSign(key, 16)
			if err != nil {
				t.Fatalf("NewCMACSign: %s", err)
			}
			if err := op.Update(mustHex(t, tc.msg)); err != nil {
				t.Fatalf("Update: %s", err)
			}
			got, err := op.Final()
			if err != nil {
				t.Fatalf("Final: %s", err)
			}
			if !bytes.Equal(got, mustHex(t, tc.want)) {
				t.Fatalf("CMAC = %x, want %s", got, tc.want)
			}
		})
	}
}

func TestCMACVerifyRejectsTamperedMAC(t *testing.T) {
	key := testAESKey(t, mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"), pkcs11.CKA_SIGN, pkcs11.CKA_VERIFY)
	msg := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	sign, err := NewCMACSign(key, 16)
	if err != nil {
		t.Fatalf("NewCMACSign: %s", err)
	}
	if err := sign.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	mac, err := sign.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}

	verify, err := NewCMACVerify(key, 16)
	if err != nil {
		t.Fatalf("NewCMACVerify: %s", err)
	}
	if err := verify.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := verify.VerifyFinal(mac); err != nil {
		t.Fatalf("VerifyFinal: %s", err)
	}

	mac[0] ^= 1
	verify2, err := NewCMACVerify(key, 16)
	if err != nil {
		t.Fatalf("NewCMACVerify: %s", err)
	}
	if err := verify2.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := verify2.VerifyFinal(mac); !cryptokierr.Is(err, pkcs11.CKR_SIGNATURE_INVALID) {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestCMACTruncation(t *testing.T) {
	key := testAESKey(t, make([]byte, 16), pkcs11.CKA_SIGN)
	op, err := NewCMACSign(key, 8)
	if err != nil {
		t.Fatalf("NewCMACSign: %s", err)
	}
	if err := op.Update([]byte("message")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	mac, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if len(mac) != 8 {
		t.Fatalf("truncated MAC length = %d, want 8", len(mac))
	}
}

func TestLegacyMACDiffersFromCMAC(t *testing.T) {
	key := testAESKey(t, make([]byte, 16), pkcs11.CKA_SIGN)
	msg := make([]byte, 32)

	cmacOp, err := NewCMACSign(key, 16)
	if err != nil {
		t.Fatalf("NewCMACSign: %s", err)
	}
	if err := cmacOp.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	cmacOut, err := cmacOp.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}

	legacyOp, err := NewLegacyMACSign(key, 16)
	if err != nil {
		t.Fatalf("NewLegacyMACSign: %s", err)
	}
	if err := legacyOp.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	legacyOut, err := legacyOp.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if bytes.Equal(cmacOut, legacyOut) {
		t.Fatal("CMAC and legacy CBC-MAC should not agree; subkey derivation is missing somewhere")
	}
}
