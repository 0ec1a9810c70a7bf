// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package rsa implements the RSASSA-PKCS1-v1_5 mechanism family: raw
// CKM_RSA_PKCS plus the hash-and-sign CKM_SHA*_RSA_PKCS variants, built
// on crypto/rsa as the primitive provider.
package rsa

import (
	"crypto"
	"crypto/rand"
	stdrsa "crypto/rsa"
	_ "crypto/sha1" // register the hashes the CKM_SHA*_RSA_PKCS rows name
	_ "crypto/sha256"
	_ "crypto/sha512"
	"hash"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

func bigAttr(key *object.Object, id uint) (*big.Int, error) {
	a, ok := key.Attr(id)
	if !ok {
		return nil, cryptokierr.Newf(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "RSA key is missing attribute 0x%08x", id)
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func checkRSAKey(key *object.Object, wantClass uint64, op uint) error {
	class, err := key.Class()
	if err != nil {
		return err
	}
	if class != wantClass {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "wrong object class for this operation")
	}
	kt, ok := key.KeyType()
	if !ok || kt != pkcs11.CKK_RSA {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "not an RSA key")
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

// privateFromObject rebuilds a crypto/rsa private key from the object's
// big-integer attributes. The CRT primes are picked up when present;
// signing works from (N, E, D) alone otherwise.
func privateFromObject(key *object.Object) (*stdrsa.PrivateKey, error) {
	n, err := bigAttr(key, pkcs11.CKA_MODULUS)
	if err != nil {
		return nil, err
	}
	e, err := bigAttr(key, pkcs11.CKA_PUBLIC_EXPONENT)
	if err != nil {
		return nil, err
	}
	d, err := bigAttr(key, pkcs11.CKA_PRIVATE_EXPONENT)
	if err != nil {
		return nil, err
	}
	priv := &stdrsa.PrivateKey{
		PublicKey: stdrsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
	}
	p, perr := bigAttr(key, pkcs11.CKA_PRIME_1)
	q, qerr := bigAttr(key, pkcs11.CKA_PRIME_2)
	if perr == nil && qerr == nil && p.Sign() > 0 && q.Sign() > 0 {
		priv.Primes = []*big.Int{p, q}
		priv.Precompute()
	}
	return priv, nil
}

func publicFromObject(key *object.Object) (*stdrsa.PublicKey, error) {
	n, err := bigAttr(key, pkcs11.CKA_MODULUS)
	if err != nil {
		return nil, err
	}
	e, err := bigAttr(key, pkcs11.CKA_PUBLIC_EXPONENT)
	if err != nil {
		return nil, err
	}
	return &stdrsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// pkcs1Operation backs both signing and verification: Update feeds the
// hash (or buffers raw input for CKM_RSA_PKCS, where the caller supplies
// an already-encoded DigestInfo), Final produces or checks the signature.
type pkcs1Operation struct {
	mechanism.StateMachine
	hashID crypto.Hash
	h      hash.Hash // nil for raw CKM_RSA_PKCS
	buf    []byte
	priv   *stdrsa.PrivateKey
	pub    *stdrsa.PublicKey
}

func (o *pkcs1Operation) Update(data []byte) error {
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

func (o *pkcs1Operation) digest() []byte {
	if o.h != nil {
		return o.h.Sum(nil)
	}
	return o.buf
}

// Final implements mechanism.Signer.
func (o *pkcs1Operation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	sig, err := stdrsa.SignPKCS1v15(rand.Reader, o.priv, o.hashID, o.digest())
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_FUNCTION_FAILED, err, "RSA signing failed")
	}
	return sig, nil
}

// pkcs1Verifier adapts pkcs1Operation to mechanism.Verifier.
type pkcs1Verifier struct {
	op *pkcs1Operation
}

func (v pkcs1Verifier) Update(data []byte) error { return v.op.Update(data) }

func (v pkcs1Verifier) Final(signature []byte) error {
	defer v.op.Cancel()
	if err := v.op.CheckActive(); err != nil {
		return err
	}
	if err := v.op.Finish(); err != nil {
		return err
	}
	if err := stdrsa.VerifyPKCS1v15(v.op.pub, v.op.hashID, v.op.digest(), signature); err != nil {
		return cryptokierr.Wrap(pkcs11.CKR_SIGNATURE_INVALID, err, "RSA signature does not verify")
	}
	return nil
}

func newSign(key *object.Object, hashID crypto.Hash) (*pkcs1Operation, error) {
	if err := checkRSAKey(key, uint64(pkcs11.CKO_PRIVATE_KEY), pkcs11.CKA_SIGN); err != nil {
		return nil, err
	}
	priv, err := privateFromObject(key)
	if err != nil {
		return nil, err
	}
	op := &pkcs1Operation{hashID: hashID, priv: priv}
	if hashID != crypto.Hash(0) {
		op.h = hashID.New()
	}
	return op, nil
}

func newVerify(key *object.Object, hashID crypto.Hash) (pkcs1Verifier, error) {
	if err := checkRSAKey(key, uint64(pkcs11.CKO_PUBLIC_KEY), pkcs11.CKA_VERIFY); err != nil {
		return pkcs1Verifier{}, err
	}
	pub, err := publicFromObject(key)
	if err != nil {
		return pkcs1Verifier{}, err
	}
	op := &pkcs1Operation{hashID: hashID, pub: pub}
	if hashID != crypto.Hash(0) {
		op.h = hashID.New()
	}
	return pkcs1Verifier{op: op}, nil
}

// Register installs the RSASSA-PKCS1-v1_5 descriptors into reg. The raw
// CKM_RSA_PKCS row signs caller-encoded DigestInfo bytes; the hashed
// variants run the named digest first.
func Register(reg *mechanism.Registry) {
	rows := []struct {
		mechID uint
		name   string
		hashID crypto.Hash
	}{
		{pkcs11.CKM_RSA_PKCS, "RSA_PKCS", crypto.Hash(0)},
		{pkcs11.CKM_SHA1_RSA_PKCS, "SHA1_RSA_PKCS", crypto.SHA1},
		{pkcs11.CKM_SHA256_RSA_PKCS, "SHA256_RSA_PKCS", crypto.SHA256},
		{pkcs11.CKM_SHA384_RSA_PKCS, "SHA384_RSA_PKCS", crypto.SHA384},
		{pkcs11.CKM_SHA512_RSA_PKCS, "SHA512_RSA_PKCS", crypto.SHA512},
	}
	for _, row := range rows {
		hashID := row.hashID
		reg.Add(row.mechID, &mechanism.Descriptor{
			Name: row.name,
			Info: mechanism.Info{MinKeySize: 64, MaxKeySize: 1024, Flags: mechanism.Sign | mechanism.Verify},
			NewSign: func(key *object.Object, params mechanism.Params) (mechanism.Signer, error) {
				return newSign(key, hashID)
			},
			NewVerify: func(key *object.Object, params mechanism.Params) (mechanism.Verifier, error) {
				return newVerify(key, hashID)
			},
		})
	}
}
