// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"bytes"
	stdaes "crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

func testRegistry() *object.Registry {
	reg := object.NewRegistry()
	object.RegisterFactories(reg)
	return reg
}

// The derived key's VALUE must equal AES-ECB(base, data) truncated to the
// requested VALUE_LEN.
func TestDeriveECBEncryptDataEqualsECB(t *testing.T) {
	reg := testRegistry()
	raw := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	base := testAESKey(t, raw, pkcs11.CKA_DERIVE)
	data := mustHex(t, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")

	derived, err := Derive(reg, base, EncryptDataParams{Data: data}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 16),
	})
	if err != nil {
		t.Fatalf("Derive: %s", err)
	}

	block, _ := stdaes.NewCipher(raw)
	want := make([]byte, len(data))
	ecbEncrypt(block, want, data)
	want = want[:16]

	a, ok := derived.Attr(pkcs11.CKA_VALUE)
	if !ok {
		t.Fatal("derived key has no VALUE")
	}
	if !bytes.Equal(a.Value, want) {
		t.Fatalf("derived VALUE = %x, want %x", a.Value, want)
	}

	lenAttr, ok := derived.Attr(pkcs11.CKA_VALUE_LEN)
	if !ok {
		t.Fatal("derived key has no VALUE_LEN")
	}
	n, err := attribute.ToUlong(lenAttr)
	if err != nil || n != 16 {
		t.Fatalf("VALUE_LEN = %d (%v), want 16", n, err)
	}
}

func TestDeriveCBCEncryptDataUsesIV(t *testing.T) {
	reg := testRegistry()
	raw := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	base := testAESKey(t, raw, pkcs11.CKA_DERIVE)
	data := make([]byte, 32)
	var iv [stdaes.BlockSize]byte
	iv[0] = 0x42

	derived, err := Derive(reg, base, EncryptDataParams{IV: &iv, Data: data}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 32),
	})
	if err != nil {
		t.Fatalf("Derive: %s", err)
	}

	block, _ := stdaes.NewCipher(raw)
	want := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(want, data)

	a, _ := derived.Attr(pkcs11.CKA_VALUE)
	if !bytes.Equal(a.Value, want) {
		t.Fatalf("derived VALUE = %x, want %x", a.Value, want)
	}
}

func TestDeriveValidatesParams(t *testing.T) {
	reg := testRegistry()
	base := testAESKey(t, make([]byte, 16), pkcs11.CKA_DERIVE)
	template := []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 16),
	}

	if _, err := Derive(reg, base, EncryptDataParams{Data: nil}, template); !cryptokierr.Is(err, pkcs11.CKR_MECHANISM_PARAM_INVALID) {
		t.Fatalf("expected MECHANISM_PARAM_INVALID for empty data, got %v", err)
	}
	if _, err := Derive(reg, base, EncryptDataParams{Data: make([]byte, 17)}, template); !cryptokierr.Is(err, pkcs11.CKR_MECHANISM_PARAM_INVALID) {
		t.Fatalf("expected MECHANISM_PARAM_INVALID for unaligned data, got %v", err)
	}
}

func TestDeriveRequiresDeriveCapability(t *testing.T) {
	reg := testRegistry()
	base := testAESKey(t, make([]byte, 16), pkcs11.CKA_ENCRYPT)
	_, err := Derive(reg, base, EncryptDataParams{Data: make([]byte, 16)}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 16),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED) {
		t.Fatalf("expected KEY_FUNCTION_NOT_PERMITTED, got %v", err)
	}
}

func TestDeriveValueLenMustFitMaterial(t *testing.T) {
	reg := testRegistry()
	base := testAESKey(t, make([]byte, 16), pkcs11.CKA_DERIVE)
	_, err := Derive(reg, base, EncryptDataParams{Data: make([]byte, 16)}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 32),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_TEMPLATE_INCONSISTENT) {
		t.Fatalf("expected TEMPLATE_INCONSISTENT when VALUE_LEN exceeds the ciphertext, got %v", err)
	}
}
