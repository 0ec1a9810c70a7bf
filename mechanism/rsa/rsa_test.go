// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package rsa

import (
	"bytes"
	"crypto"
	"crypto/rand"
	stdrsa "crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

func testKeyPair(t *testing.T) (*stdrsa.PrivateKey, *object.Object, *object.Object) {
	t.Helper()
	reg := object.NewRegistry()
	object.RegisterFactories(reg)

	kp, err := stdrsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %s", err)
	}

	priv, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_PRIVATE_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		attribute.FromBytes(pkcs11.CKA_MODULUS, kp.N.Bytes()),
		attribute.FromBytes(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		attribute.FromBytes(pkcs11.CKA_PRIVATE_EXPONENT, kp.D.Bytes()),
		attribute.FromBytes(pkcs11.CKA_PRIME_1, kp.Primes[0].Bytes()),
		attribute.FromBytes(pkcs11.CKA_PRIME_2, kp.Primes[1].Bytes()),
		attribute.FromBool(pkcs11.CKA_SIGN, true),
	})
	if err != nil {
		t.Fatalf("Create(private): %s", err)
	}

	pub, err := reg.Create(2, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_PUBLIC_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		attribute.FromBytes(pkcs11.CKA_MODULUS, kp.N.Bytes()),
		attribute.FromBytes(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		attribute.FromBool(pkcs11.CKA_VERIFY, true),
	})
	if err != nil {
		t.Fatalf("Create(public): %s", err)
	}
	return kp, priv, pub
}

func TestSignMatchesStdlibAndIsDeterministic(t *testing.T) {
	kp, priv, pub := testKeyPair(t)
	msg := []byte("message to be signed")

	sign := func() []byte {
		op, err := newSign(priv, crypto.SHA256)
		if err != nil {
			t.Fatalf("newSign: %s", err)
		}
		if err := op.Update(msg); err != nil {
			t.Fatalf("Update: %s", err)
		}
		sig, err := op.Final()
		if err != nil {
			t.Fatalf("Final: %s", err)
		}
		return sig
	}
	sig1, sig2 := sign(), sign()
	if !bytes.Equal(sig1, sig2) {
		t.Fatal("PKCS#1 v1.5 signatures must be deterministic")
	}

	digest := sha256.Sum256(msg)
	if err := stdrsa.VerifyPKCS1v15(&kp.PublicKey, crypto.SHA256, digest[:], sig1); err != nil {
		t.Fatalf("signature does not verify against the reference implementation: %s", err)
	}

	v, err := newVerify(pub, crypto.SHA256)
	if err != nil {
		t.Fatalf("newVerify: %s", err)
	}
	if err := v.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := v.Final(sig1); err != nil {
		t.Fatalf("Final: %s", err)
	}

	v2, err := newVerify(pub, crypto.SHA256)
	if err != nil {
		t.Fatalf("newVerify: %s", err)
	}
	if err := v2.Update([]byte("a different message")); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := v2.Final(sig1); !cryptokierr.Is(err, pkcs11.CKR_SIGNATURE_INVALID) {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestSignRequiresPrivateKeyWithSignFlag(t *testing.T) {
	_, _, pub := testKeyPair(t)
	if _, err := newSign(pub, crypto.SHA256); !cryptokierr.Is(err, pkcs11.CKR_KEY_TYPE_INCONSISTENT) {
		t.Fatalf("expected KEY_TYPE_INCONSISTENT signing with a public key, got %v", err)
	}
}

// A sensitive private key withholds its private components from readback
// while keeping the public ones available.
func TestPrivateComponentsAreSensitive(t *testing.T) {
	_, priv, _ := testKeyPair(t)

	results, err := priv.FillTemplate([]object.TemplateEntry{
		{ID: pkcs11.CKA_PRIVATE_EXPONENT, Len: -1},
		{ID: pkcs11.CKA_MODULUS, Len: -1},
	})
	if !cryptokierr.Is(err, pkcs11.CKR_ATTRIBUTE_SENSITIVE) {
		t.Fatalf("expected ATTRIBUTE_SENSITIVE, got %v", err)
	}
	if results[0].RV != pkcs11.CKR_ATTRIBUTE_SENSITIVE {
		t.Fatalf("PRIVATE_EXPONENT RV = %#x, want ATTRIBUTE_SENSITIVE", results[0].RV)
	}
	if results[1].RV != pkcs11.CKR_OK || results[1].Length <= 0 {
		t.Fatalf("MODULUS should stay readable, got %+v", results[1])
	}
}
