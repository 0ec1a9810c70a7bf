// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package ecdsa

import (
	"bytes"
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

func testKeyPair(t *testing.T) (*object.Object, *object.Object) {
	t.Helper()
	reg := object.NewRegistry()
	object.RegisterFactories(reg)

	kp, err := stdecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %s", err)
	}
	params, err := asn1.Marshal(oidP521)
	if err != nil {
		t.Fatalf("marshalling curve OID: %s", err)
	}
	scalar := make([]byte, 66)
	kp.D.FillBytes(scalar)

	priv, err := reg.Create(1, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_PRIVATE_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		attribute.FromBytes(pkcs11.CKA_EC_PARAMS, params),
		attribute.FromBytes(pkcs11.CKA_VALUE, scalar),
		attribute.FromBool(pkcs11.CKA_SIGN, true),
	})
	if err != nil {
		t.Fatalf("Create(private): %s", err)
	}

	point := elliptic.Marshal(elliptic.P521(), kp.X, kp.Y)
	pub, err := reg.Create(2, []attribute.Attribute{
		attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_PUBLIC_KEY)),
		attribute.FromUlong(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		attribute.FromBytes(pkcs11.CKA_EC_PARAMS, params),
		attribute.FromBytes(pkcs11.CKA_EC_POINT, point),
		attribute.FromBool(pkcs11.CKA_VERIFY, true),
	})
	if err != nil {
		t.Fatalf("Create(public): %s", err)
	}
	return priv, pub
}

func signMessage(t *testing.T, priv *object.Object, msg []byte) []byte {
	t.Helper()
	privKey, err := privateFromObject(priv)
	if err != nil {
		t.Fatalf("privateFromObject: %s", err)
	}
	h, err := newDigest(pkcs11.CKM_ECDSA_SHA512)
	if err != nil {
		t.Fatalf("newDigest: %s", err)
	}
	op := &signOperation{h: h, priv: privKey}
	if err := op.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	sig, err := op.Final()
	if err != nil {
		t.Fatalf("Final: %s", err)
	}
	return sig
}

func verifyMessage(t *testing.T, pub *object.Object, msg, sig []byte) error {
	t.Helper()
	pubKey, err := publicFromObject(pub)
	if err != nil {
		t.Fatalf("publicFromObject: %s", err)
	}
	h, err := newDigest(pkcs11.CKM_ECDSA_SHA512)
	if err != nil {
		t.Fatalf("newDigest: %s", err)
	}
	op := &verifyOperation{h: h, pub: pubKey}
	if err := op.Update(msg); err != nil {
		t.Fatalf("Update: %s", err)
	}
	return op.Final(sig)
}

// Two signatures over the same message must differ (fresh nonce each
// time), and both must verify under the matching public key.
func TestP521SignaturesAreRandomizedAndVerify(t *testing.T) {
	priv, pub := testKeyPair(t)
	msg := []byte("sample message for P-521")

	sig1 := signMessage(t, priv, msg)
	sig2 := signMessage(t, priv, msg)
	if len(sig1) != 132 {
		t.Fatalf("P-521 r||s signature must be 132 bytes, got %d", len(sig1))
	}
	if bytes.Equal(sig1, sig2) {
		t.Fatal("consecutive ECDSA signatures must not repeat")
	}
	if err := verifyMessage(t, pub, msg, sig1); err != nil {
		t.Fatalf("first signature does not verify: %s", err)
	}
	if err := verifyMessage(t, pub, msg, sig2); err != nil {
		t.Fatalf("second signature does not verify: %s", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, pub := testKeyPair(t)
	msg := []byte("message")
	sig := signMessage(t, priv, msg)
	sig[10] ^= 1
	if err := verifyMessage(t, pub, msg, sig); !cryptokierr.Is(err, pkcs11.CKR_SIGNATURE_INVALID) {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
	if err := verifyMessage(t, pub, msg, sig[:10]); !cryptokierr.Is(err, pkcs11.CKR_SIGNATURE_INVALID) {
		t.Fatalf("expected SIGNATURE_INVALID for a short signature, got %v", err)
	}
}

func TestPrivateScalarIsSensitive(t *testing.T) {
	priv, _ := testKeyPair(t)
	results, err := priv.FillTemplate([]object.TemplateEntry{{ID: pkcs11.CKA_VALUE, Len: -1}})
	if !cryptokierr.Is(err, pkcs11.CKR_ATTRIBUTE_SENSITIVE) {
		t.Fatalf("expected ATTRIBUTE_SENSITIVE, got %v", err)
	}
	if results[0].RV != pkcs11.CKR_ATTRIBUTE_SENSITIVE {
		t.Fatalf("VALUE RV = %#x, want ATTRIBUTE_SENSITIVE", results[0].RV)
	}
}

func TestUnsupportedCurveIsRejected(t *testing.T) {
	badOID, err := asn1.Marshal(asn1.ObjectIdentifier{1, 3, 132, 0, 10}) // secp256k1
	if err != nil {
		t.Fatalf("marshalling OID: %s", err)
	}
	if _, cerr := curveFromParams(badOID); !cryptokierr.Is(cerr, pkcs11.CKR_ATTRIBUTE_VALUE_INVALID) {
		t.Fatalf("expected ATTRIBUTE_VALUE_INVALID, got %v", cerr)
	}
}
