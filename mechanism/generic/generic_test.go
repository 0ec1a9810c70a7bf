// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package generic

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
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

func testRegistry() *object.Registry {
	reg := object.NewRegistry()
	object.RegisterFactories(reg)
	return reg
}

// testSecretKey builds a secret key of the given key type with the given
// capability flags.
func testSecretKey(t *testing.T, keyType uint64, raw []byte, caps ...uint) *object.Object {
	t.Helper()
	template := []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, keyType),
		attribute.FromBytes(pkcs11.CKA_VALUE, raw),
	}
	for _, c := range caps {
		template = append(template, attribute.FromBool(c, true))
	}
	obj, err := testRegistry().Create(1, template)
	if err != nil {
		t.Fatalf("could not build test key: %s", err)
	}
	return obj
}

func TestDigestSHA256Vector(t *testing.T) {
	op, err := NewDigest(pkcs11.CKM_SHA256)
	if err != nil {
		t.Fatalf("NewDigest: %s", err)
	}
	if err := op.Update([]byte("abc")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	got, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	want := mustHex(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if !bytes.Equal(got, want) {
		t.Fatalf("SHA-256(abc) = %x, want %x", got, want)
	}
}

func TestDigestIsSingleUse(t *testing.T) {
	op, err := NewDigest(pkcs11.CKM_SHA_1)
	if err != nil {
		t.Fatalf("NewDigest: %s", err)
	}
	if _, err := op.Final(); err != nil {
		t.Fatalf("Final: %s", err)
	}
	if err := op.Update([]byte("late")); !cryptokierr.Is(err, pkcs11.CKR_OPERATION_NOT_INITIALIZED) {
		t.Fatalf("expected OPERATION_NOT_INITIALIZED after Final, got %v", err)
	}
}

func TestUnknownDigestMechanism(t *testing.T) {
	if _, err := NewDigest(pkcs11.CKM_AES_ECB); !cryptokierr.Is(err, pkcs11.CKR_MECHANISM_INVALID) {
		t.Fatalf("expected MECHANISM_INVALID, got %v", err)
	}
}

// RFC 4231 test case 1.
func TestHMACSHA256Vector(t *testing.T) {
	key := testSecretKey(t, pkcs11.CKK_SHA256_HMAC,
		mustHex(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b"),
		pkcs11.CKA_SIGN, pkcs11.CKA_VERIFY)

	d := hmacDescriptors[1] // CKM_SHA256_HMAC
	op, err := newHMACOperation(d, key, pkcs11.CKA_SIGN)
	if err != nil {
		t.Fatalf("newHMACOperation: %s", err)
	}
	if err := op.Update([]byte("Hi There")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	got, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	want := mustHex(t, "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7")
	if !bytes.Equal(got, want) {
		t.Fatalf("HMAC = %x, want %x", got, want)
	}
}

// A key typed for one HMAC mechanism must be refused by every other, per
// the key-type binding rule.
func TestHMACKeyTypeBindsMechanism(t *testing.T) {
	reg := mechanism.NewRegistry()
	Register(reg)

	key := testSecretKey(t, ck.CKK_SHA3_256_HMAC, make([]byte, 32), pkcs11.CKA_SIGN)

	bound, err := reg.Get(ck.CKM_SHA3_256_HMAC)
	if err != nil {
		t.Fatalf("Get(SHA3_256_HMAC): %s", err)
	}
	if _, err := bound.NewSign(key, nil); err != nil {
		t.Fatalf("signing with the bound mechanism should succeed: %s", err)
	}

	other, err := reg.Get(pkcs11.CKM_SHA256_HMAC)
	if err != nil {
		t.Fatalf("Get(SHA256_HMAC): %s", err)
	}
	if _, err := other.NewSign(key, nil); !cryptokierr.Is(err, pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED) {
		t.Fatalf("expected KEY_FUNCTION_NOT_PERMITTED for a mismatched HMAC mechanism, got %v", err)
	}
}

func TestHMACVerifyRejectsTamperedSignature(t *testing.T) {
	key := testSecretKey(t, pkcs11.CKK_SHA256_HMAC, make([]byte, 32), pkcs11.CKA_SIGN, pkcs11.CKA_VERIFY)
	d := hmacDescriptors[1]

	sign, err := newHMACOperation(d, key, pkcs11.CKA_SIGN)
	if err != nil {
		t.Fatalf("newHMACOperation: %s", err)
	}
	if err := sign.Update([]byte("message")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	mac, err := sign.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	mac[0] ^= 1

	verifyOp, err := newHMACOperation(d, key, pkcs11.CKA_VERIFY)
	if err != nil {
		t.Fatalf("newHMACOperation: %s", err)
	}
	v := hmacVerifier{op: verifyOp}
	if err := v.Update([]byte("message")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := v.Final(mac); !cryptokierr.Is(err, pkcs11.CKR_SIGNATURE_INVALID) {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

// RFC 5869 test case 1: SHA-256, 22-byte IKM, 13-byte salt, 10-byte info,
// 42 bytes of OKM.
func TestHKDFMatchesRFC5869Vector(t *testing.T) {
	reg := testRegistry()
	base := testSecretKey(t, pkcs11.CKK_GENERIC_SECRET,
		mustHex(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b"),
		pkcs11.CKA_DERIVE)

	derived, err := Derive(reg, base, HKDFParams{
		Hash:     pkcs11.CKM_SHA256,
		Extract:  true,
		Expand:   true,
		SaltType: ck.CKF_HKDF_SALT_DATA,
		Salt:     mustHex(t, "000102030405060708090a0b0c"),
		Info:     mustHex(t, "f0f1f2f3f4f5f6f7f8f9"),
	}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 42),
	})
	if err != nil {
		t.Fatalf("Derive: %s", err)
	}

	want := mustHex(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865")
	a, ok := derived.Attr(pkcs11.CKA_VALUE)
	if !ok {
		t.Fatal("derived key has no VALUE")
	}
	if !bytes.Equal(a.Value, want) {
		t.Fatalf("OKM = %x, want %x", a.Value, want)
	}
}

// A key derived into an HMAC-typed template must keep that KEY_TYPE, so
// the mechanism binding survives Derive rather than being reset to plain
// CKK_GENERIC_SECRET.
func TestHKDFDeriveIntoHMACTemplatePreservesKeyType(t *testing.T) {
	reg := testRegistry()
	base := testSecretKey(t, pkcs11.CKK_GENERIC_SECRET, make([]byte, 32), pkcs11.CKA_DERIVE)

	derived, err := Derive(reg, base, HKDFParams{
		Hash:     pkcs11.CKM_SHA256,
		Extract:  true,
		Expand:   true,
		SaltType: ck.CKF_HKDF_SALT_NULL,
	}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_SHA256_HMAC),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 32),
		attribute.FromBool(pkcs11.CKA_SIGN, true),
	})
	if err != nil {
		t.Fatalf("Derive: %s", err)
	}
	kt, ok := derived.KeyType()
	if !ok || kt != pkcs11.CKK_SHA256_HMAC {
		t.Fatalf("derived KEY_TYPE = %#x, want CKK_SHA256_HMAC", kt)
	}

	mreg := mechanism.NewRegistry()
	Register(mreg)
	bound, err := mreg.Get(pkcs11.CKM_SHA256_HMAC)
	if err != nil {
		t.Fatalf("Get(SHA256_HMAC): %s", err)
	}
	if _, err := bound.NewSign(derived, nil); err != nil {
		t.Fatalf("the derived key should sign with its bound mechanism: %s", err)
	}
	other, err := mreg.Get(pkcs11.CKM_SHA_1_HMAC)
	if err != nil {
		t.Fatalf("Get(SHA_1_HMAC): %s", err)
	}
	if _, err := other.NewSign(derived, nil); !cryptokierr.Is(err, pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED) {
		t.Fatalf("expected KEY_FUNCTION_NOT_PERMITTED for a mismatched mechanism, got %v", err)
	}
}

func TestHKDFDeriveRejectsInvalidAESKeyLength(t *testing.T) {
	reg := testRegistry()
	base := testSecretKey(t, pkcs11.CKK_GENERIC_SECRET, make([]byte, 32), pkcs11.CKA_DERIVE)
	_, err := Derive(reg, base, HKDFParams{
		Hash:     pkcs11.CKM_SHA256,
		Extract:  true,
		Expand:   true,
		SaltType: ck.CKF_HKDF_SALT_NULL,
	}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 31),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_KEY_SIZE_RANGE) {
		t.Fatalf("expected KEY_SIZE_RANGE deriving a 31-byte AES key, got %v", err)
	}
}

func TestHKDFExtractOnlyYieldsPRK(t *testing.T) {
	reg := testRegistry()
	base := testSecretKey(t, pkcs11.CKK_GENERIC_SECRET, make([]byte, 22), pkcs11.CKA_DERIVE)

	derived, err := Derive(reg, base, HKDFParams{
		Hash:     pkcs11.CKM_SHA256,
		Extract:  true,
		SaltType: ck.CKF_HKDF_SALT_NULL,
	}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
	})
	if err != nil {
		t.Fatalf("Derive: %s", err)
	}
	a, _ := derived.Attr(pkcs11.CKA_VALUE)
	if len(a.Value) != 32 {
		t.Fatalf("PRK length = %d, want the hash size 32", len(a.Value))
	}
}

func TestHKDFRequiresDeriveFlag(t *testing.T) {
	reg := testRegistry()
	base := testSecretKey(t, pkcs11.CKK_GENERIC_SECRET, make([]byte, 22), pkcs11.CKA_SIGN)
	_, err := Derive(reg, base, HKDFParams{
		Hash:     pkcs11.CKM_SHA256,
		Extract:  true,
		Expand:   true,
		SaltType: ck.CKF_HKDF_SALT_NULL,
	}, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_SECRET_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 32),
	})
	if !cryptokierr.Is(err, pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED) {
		t.Fatalf("expected KEY_FUNCTION_NOT_PERMITTED, got %v", err)
	}
}

func TestGenerateSecretHonorsValueLen(t *testing.T) {
	reg := testRegistry()
	obj, err := GenerateSecret(reg, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_VALUE_LEN, 48),
		attribute.FromBool(pkcs11.CKA_SIGN, true),
	})
	if err != nil {
		t.Fatalf("GenerateSecret: %s", err)
	}
	a, _ := obj.Attr(pkcs11.CKA_VALUE)
	if len(a.Value) != 48 {
		t.Fatalf("generated VALUE length = %d, want 48", len(a.Value))
	}
	local, _ := obj.Attr(pkcs11.CKA_LOCAL)
	if v, err := attribute.ToBool(local); err != nil || !v {
		t.Fatal("generated key must carry CKA_LOCAL=true")
	}

	if _, err := GenerateSecret(reg, nil); !cryptokierr.Is(err, pkcs11.CKR_TEMPLATE_INCOMPLETE) {
		t.Fatalf("expected TEMPLATE_INCOMPLETE without VALUE_LEN, got %v", err)
	}
}
