// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package ecdsa implements the ECDSA mechanism family over the NIST
// prime curves: raw CKM_ECDSA plus the hash-and-sign CKM_ECDSA_SHA*
// variants, built on crypto/ecdsa as the primitive provider. Signatures
// cross the interface in Cryptoki's fixed-width r||s form, not DER.
package ecdsa

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"hash"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

var (
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// curveFromParams resolves CKA_EC_PARAMS (a DER-encoded named-curve OID)
// to one of the supported NIST curves.
func curveFromParams(der []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, err, "EC_PARAMS is not a named-curve OID")
	}
	switch {
	case oid.Equal(oidP256):
		return elliptic.P256(), nil
	case oid.Equal(oidP384):
		return elliptic.P384(), nil
	case oid.Equal(oidP521):
		return elliptic.P521(), nil
	default:
		return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "unsupported EC curve")
	}
}

func curveOf(key *object.Object) (elliptic.Curve, error) {
	a, ok := key.Attr(pkcs11.CKA_EC_PARAMS)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "EC key has no EC_PARAMS")
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	return curveFromParams(raw)
}

func checkECKey(key *object.Object, wantClass uint64, op uint) error {
	class, err := key.Class()
	if err != nil {
		return err
	}
	if class != wantClass {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "wrong object class for this operation")
	}
	kt, ok := key.KeyType()
	if !ok || kt != pkcs11.CKK_EC {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "not an EC key")
	}
	a, ok := key.Attr(op)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, "key has no capability flag set")
	}
	allowed, err := attribute.ToBool(a)
	if err != nil {
		return err
	}
	if !allowed {
		return cryptokierr.New(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, "key does not permit this operation")
	}
	return nil
}

func privateFromObject(key *object.Object) (*ecdsa.PrivateKey, error) {
	curve, err := curveOf(key)
	if err != nil {
		return nil, err
	}
	a, ok := key.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "EC private key has no VALUE")
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "EC private scalar out of range")
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// publicFromObject rebuilds the public key from CKA_EC_POINT, accepting
// both the DER OCTET STRING wrapping Cryptoki specifies and a bare
// uncompressed point.
func publicFromObject(key *object.Object) (*ecdsa.PublicKey, error) {
	curve, err := curveOf(key)
	if err != nil {
		return nil, err
	}
	a, ok := key.Attr(pkcs11.CKA_EC_POINT)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "EC public key has no EC_POINT")
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	point := raw
	if len(point) > 0 && point[0] != 0x04 {
		var unwrapped []byte
		if _, err := asn1.Unmarshal(raw, &unwrapped); err != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, err, "EC_POINT is not an octet string")
		}
		point = unwrapped
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "EC_POINT is not on the curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func newDigest(mechID uint) (hash.Hash, error) {
	switch mechID {
	case pkcs11.CKM_ECDSA:
		return nil, nil
	case pkcs11.CKM_ECDSA_SHA1:
		return sha1.New(), nil
	case pkcs11.CKM_ECDSA_SHA256:
		return sha256.New(), nil
	case pkcs11.CKM_ECDSA_SHA384:
		return sha512.New384(), nil
	case pkcs11.CKM_ECDSA_SHA512:
		return sha512.New(), nil
	default:
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "unsupported ECDSA mechanism")
	}
}

// signOperation hashes (or buffers, for raw CKM_ECDSA) the input and
// emits r||s, each half zero-padded to the curve's byte width.
type signOperation struct {
	mechanism.StateMachine
	h    hash.Hash
	buf  []byte
	priv *ecdsa.PrivateKey
}

func (o *signOperation) Update(data []byte) error {
	if err := o.CheckActive(); err != nil {
		return err
	}
	if o.h != nil {
		o.h.Write(data)
		return nil
	}
	o.buf = append(o.buf, data...)
	return nil
}

func (o *signOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	digest := o.buf
	if o.h != nil {
		digest = o.h.Sum(nil)
	}
	r, s, err := ecdsa.Sign(rand.Reader, o.priv, digest)
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_FUNCTION_FAILED, err, "ECDSA signing failed")
	}
	size := (o.priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

type verifyOperation struct {
	mechanism.StateMachine
	h   hash.Hash
	buf []byte
	pub *ecdsa.PublicKey
}

func (o *verifyOperation) Update(data []byte) error {
	if err := o.CheckActive(); err != nil {
		return err
	}
	if o.h != nil {
		o.h.Write(data)
		return nil
	}
	o.buf = append(o.buf, data...)
	return nil
}

func (o *verifyOperation) Final(signature []byte) error {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return err
	}
	if err := o.Finish(); err != nil {
		return err
	}
	size := (o.pub.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*size {
		return cryptokierr.New(pkcs11.CKR_SIGNATURE_INVALID, "signature length does not match the curve")
	}
	digest := o.buf
	if o.h != nil {
		digest = o.h.Sum(nil)
	}
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	if !ecdsa.Verify(o.pub, digest, r, s) {
		return cryptokierr.New(pkcs11.CKR_SIGNATURE_INVALID, "ECDSA signature does not verify")
	}
	return nil
}

// Register installs the ECDSA descriptors into reg.
func Register(reg *mechanism.Registry) {
	for _, row := range []struct {
		mechID uint
		name   string
	}{
		{pkcs11.CKM_ECDSA, "ECDSA"},
		{pkcs11.CKM_ECDSA_SHA1, "ECDSA_SHA1"},
		{pkcs11.CKM_ECDSA_SHA256, "ECDSA_SHA256"},
		{pkcs11.CKM_ECDSA_SHA384, "ECDSA_SHA384"},
		{pkcs11.CKM_ECDSA_SHA512, "ECDSA_SHA512"},
	} {
		mechID := row.mechID
		reg.Add(mechID, &mechanism.Descriptor{
			Name: row.name,
			Info: mechanism.Info{MinKeySize: 32, MaxKeySize: 66, Flags: mechanism.Sign | mechanism.Verify},
			NewSign: func(key *object.Object, params mechanism.Params) (mechanism.Signer, error) {
				if err := checkECKey(key, uint64(pkcs11.CKO_PRIVATE_KEY), pkcs11.CKA_SIGN); err != nil {
					return nil, err
				}
				priv, err := privateFromObject(key)
				if err != nil {
					return nil, err
				}
				h, err := newDigest(mechID)
				if err != nil {
					return nil, err
				}
				return &signOperation{h: h, priv: priv}, nil
			},
			NewVerify: func(key *object.Object, params mechanism.Params) (mechanism.Verifier, error) {
				if err := checkECKey(key, uint64(pkcs11.CKO_PUBLIC_KEY), pkcs11.CKA_VERIFY); err != nil {
					return nil, err
				}
				pub, err := publicFromObject(key)
				if err != nil {
					return nil, err
				}
				h, err := newDigest(mechID)
				if err != nil {
					return nil, err
				}
				return &verifyOperation{h: h, pub: pub}, nil
			},
		})
	}
}
