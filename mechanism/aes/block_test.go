// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex constant %q: %s", s, err)
	}
	return b
}

// testAESKey builds an AES secret key object with the given capability
// flags enabled.
func testAESKey(t *testing.T, raw []byte, caps ...uint) *object.Object {
	t.Helper()
	reg := object.NewRegistry()
	object.RegisterFactories(reg)
	template := []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromBytes(pkcs11.CKA_VALUE, raw),
	}
	for _, c := range caps {
		template = append(template, attribute.FromBool(c, true))
	}
	obj, err := reg.Create(1, template)
	if err != nil {
		t.Fatalf("could not build test key: %s", err)
	}
	return obj
}

func TestECBMatchesFIPS197Vector(t *testing.T) {
	key := testAESKey(t, mustHex(t, "000102030405060708090a0b0c0d0e0f"), pkcs11.CKA_ENCRYPT, pkcs11.CKA_DECRYPT)
	plaintext := mustHex(t, "00112233445566778899aabbccddeeff")
	want := mustHex(t, "69c4e0d86a7b0430d8cdb78070b4c55a")

	op, err := NewEncryption(modeECB, key, nil)
	if err != nil {
		t.Fatalf("NewEncryption: %s", err)
	}
	if _, err := op.Update(plaintext); err != nil {
		t.Fatalf("Update: %s", err)
	}
	got, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ciphertext = %x, want %x", got, want)
	}

	dec, err := NewDecryption(modeECB, key, nil)
	if err != nil {
		t.Fatalf("NewDecryption: %s", err)
	}
	if _, err := dec.Update(got); err != nil {
		t.Fatalf("Update: %s", err)
	}
	back, err := dec.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Fatalf("decrypted = %x, want %x", back, plaintext)
	}
}

func TestCBCMatchesSP80038AVector(t *testing.T) {
	key := testAESKey(t, mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"), pkcs11.CKA_ENCRYPT)
	var iv [aes.BlockSize]byte
	copy(iv[:], mustHex(t, "000102030405060708090a0b0c0d0e0f"))
	plaintext := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")
	want := mustHex(t, "7649abac8119b246cee98e9b12e9197d")

	op, err := NewEncryption(modeCBC, key, &iv)
	if err != nil {
		t.Fatalf("NewEncryption: %s", err)
	}
	if _, err := op.Update(plaintext); err != nil {
		t.Fatalf("Update: %s", err)
	}
	got, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ciphertext = %x, want %x", got, want)
	}
}

func TestCBCPadRoundTripOddLength(t *testing.T) {
	key := testAESKey(t, make([]byte, 32), pkcs11.CKA_ENCRYPT, pkcs11.CKA_DECRYPT)
	var iv [aes.BlockSize]byte
	plaintext := []byte("seven by nine grid")

	enc, err := NewEncryption(modeCBCPad, key, &iv)
	if err != nil {
		t.Fatalf("NewEncryption: %s", err)
	}
	if _, err := enc.Update(plaintext); err != nil {
		t.Fatalf("Update: %s", err)
	}
	ct, err := enc.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if len(ct)%aes.BlockSize != 0 {
		t.Fatalf("padded ciphertext length %d is not block-aligned", len(ct))
	}

	dec, err := NewDecryption(modeCBCPad, key, &iv)
	if err != nil {
		t.Fatalf("NewDecryption: %s", err)
	}
	if _, err := dec.Update(ct); err != nil {
		t.Fatalf("Update: %s", err)
	}
	back, err := dec.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Fatalf("round trip = %q, want %q", back, plaintext)
	}
}

func TestECBRejectsPartialBlock(t *testing.T) {
	key := testAESKey(t, make([]byte, 16), pkcs11.CKA_ENCRYPT)
	op, err := NewEncryption(modeECB, key, nil)
	if err != nil {
		t.Fatalf("NewEncryption: %s", err)
	}
	if _, err := op.Update([]byte("short")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if _, err := op.Final(); !cryptokierr.Is(err, pkcs11.CKR_DATA_LEN_RANGE) {
		t.Fatalf("expected DATA_LEN_RANGE, got %v", err)
	}
}

func TestOperationIsSingleUse(t *testing.T) {
	key := testAESKey(t, make([]byte, 16), pkcs11.CKA_ENCRYPT)
	op, err := NewEncryption(modeECB, key, nil)
	if err != nil {
		t.Fatalf("NewEncryption: %s", err)
	}
	if _, err := op.Update(make([]byte, 16)); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if _, err := op.Final(); err != nil {
		t.Fatalf("Final: %s", err)
	}
	if _, err := op.Update(make([]byte, 16)); !cryptokierr.Is(err, pkcs11.CKR_OPERATION_NOT_INITIALIZED) {
		t.Fatalf("expected OPERATION_NOT_INITIALIZED after Final, got %v", err)
	}
	if _, err := op.Final(); !cryptokierr.Is(err, pkcs11.CKR_OPERATION_NOT_INITIALIZED) {
		t.Fatalf("expected OPERATION_NOT_INITIALIZED on second Final, got %v", err)
	}
}

func TestKeyWithoutCapabilityIsRejected(t *testing.T) {
	key := testAESKey(t, make([]byte, 16), pkcs11.CKA_DECRYPT)
	if _, err := NewEncryption(modeECB, key, nil); !cryptokierr.Is(err, pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED) {
		t.Fatalf("expected KEY_FUNCTION_NOT_PERMITTED, got %v", err)
	}
}

func TestCFB8RoundTrip(t *testing.T) {
	key := testAESKey(t, mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"), pkcs11.CKA_ENCRYPT, pkcs11.CKA_DECRYPT)
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plaintext := []byte("any length works in CFB-8")

	enc, err := NewCFB8Encryption(key, iv)
	if err != nil {
		t.Fatalf("NewCFB8Encryption: %s", err)
	}
	ct, err := enc.Update(plaintext)
	if err != nil {
		t.Fatalf("Update: %s", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := NewCFB8Decryption(key, iv)
	if err != nil {
		t.Fatalf("NewCFB8Decryption: %s", err)
	}
	back, err := dec.Update(ct)
	if err != nil {
		t.Fatalf("Update: %s", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Fatalf("round trip = %q, want %q", back, plaintext)
	}
}

func TestCTSRoundTripWithPartialTailBlock(t *testing.T) {
	key := testAESKey(t, mustHex(t, "636869636b656e207465726979616b69"), pkcs11.CKA_ENCRYPT, pkcs11.CKA_DECRYPT)
	var iv [aes.BlockSize]byte
	// 47 bytes: two full blocks plus a 15-byte tail.
	plaintext := []byte("I would like the General Gau's Chicken, please, ")[:47]
	enc, err := NewCTSEncryption(key, iv)
	if err != nil {
		t.Fatalf("NewCTSEncryption: %s", err)
	}
	if _, err := enc.Update(plaintext); err != nil {
		t.Fatalf("Update: %s", err)
	}
	ct, err := enc.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if len(ct) != len(plaintext) {
		t.Fatalf("CTS must preserve length: got %d, want %d", len(ct), len(plaintext))
	}

	dec, err := NewCTSDecryption(key, iv)
	if err != nil {
		t.Fatalf("NewCTSDecryption: %s", err)
	}
	if _, err := dec.Update(ct); err != nil {
		t.Fatalf("Update: %s", err)
	}
	back, err := dec.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Fatalf("round trip = %q, want %q", back, plaintext)
	}
}
