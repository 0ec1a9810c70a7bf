// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package generic

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"hash"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/sha3"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// hmacDescriptor pairs one CKM_*_HMAC mechanism with the CKK_*_HMAC key
// type a key must carry to use it, and the underlying hash constructor.
// Binding a secret key to a single key type at creation is how mechanism
// restriction is expressed without CKA_ALLOWED_MECHANISMS (which the
// attribute schema deny-lists); PKCS#11 already reserves a distinct
// CKK_*_HMAC key type per hash, so the key's own KEY_TYPE is the binding.
type hmacDescriptor struct {
	mechID  uint
	keyType uint64
	newHash func() hash.Hash
}

var hmacDescriptors = []hmacDescriptor{
	{pkcs11.CKM_SHA_1_HMAC, pkcs11.CKK_SHA_1_HMAC, sha1.New},
	{pkcs11.CKM_SHA256_HMAC, pkcs11.CKK_SHA256_HMAC, sha256.New},
	{pkcs11.CKM_SHA384_HMAC, pkcs11.CKK_SHA384_HMAC, sha512.New384},
	{pkcs11.CKM_SHA512_HMAC, pkcs11.CKK_SHA512_HMAC, sha512.New},
	{ck.CKM_SHA3_256_HMAC, ck.CKK_SHA3_256_HMAC, sha3.New256},
}

// hmacOperation implements mechanism.Signer over one crypto/hmac hash
// instance, with the same Update/Final split the AES MAC operations use;
// hmacVerifier adapts it to mechanism.Verifier.
type hmacOperation struct {
	mechanism.StateMachine
	h hash.Hash
}

func newHMACOperation(d hmacDescriptor, key *object.Object, op uint) (*hmacOperation, error) {
	if err := checkHMACKeyOps(d, key, op); err != nil {
		return nil, err
	}
	a, ok := key.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "HMAC key has no VALUE")
	}
	raw, err := attribute.ToBytes(a)
	if err != nil {
		return nil, err
	}
	return &hmacOperation{h: hmac.New(d.newHash, raw)}, nil
}

// checkHMACKeyOps confirms key is a secret key of exactly d's bound key
// type with the requested capability flag set.
func checkHMACKeyOps(d hmacDescriptor, key *object.Object, op uint) error {
	class, err := key.Class()
	if err != nil {
		return err
	}
	if class != uint64(pkcs11.CKO_SECRET_KEY) {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "not a secret key")
	}
	kt, ok := key.KeyType()
	if !ok || kt != d.keyType {
		return cryptokierr.New(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, "key is not bound to this HMAC mechanism")
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

func (o *hmacOperation) Update(data []byte) error {
	if err := o.CheckActive(); err != nil {
		return err
	}
	o.h.Write(data)
	return nil
}

// Final implements mechanism.Signer.
func (o *hmacOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	return o.h.Sum(nil), nil
}

// hmacVerifier adapts hmacOperation's Sign-shaped Final to
// mechanism.Verifier's Final(signature), matching aes/register.go's
// verifyAdapter pattern for CMAC.
type hmacVerifier struct {
	op *hmacOperation
}

func (v hmacVerifier) Update(data []byte) error { return v.op.Update(data) }

func (v hmacVerifier) Final(signature []byte) error {
	want, err := v.op.Final()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, signature) != 1 {
		return cryptokierr.New(pkcs11.CKR_SIGNATURE_INVALID, "HMAC verification failed")
	}
	return nil
}

func registerHMAC(reg *mechanism.Registry) {
	for _, d := range hmacDescriptors {
		desc := d
		reg.Add(desc.mechID, &mechanism.Descriptor{
			Name: "HMAC",
			Info: mechanism.Info{Flags: mechanism.Sign | mechanism.Verify},
			NewSign: func(key *object.Object, params mechanism.Params) (mechanism.Signer, error) {
				return newHMACOperation(desc, key, pkcs11.CKA_SIGN)
			},
			NewVerify: func(key *object.Object, params mechanism.Params) (mechanism.Verifier, error) {
				op, err := newHMACOperation(desc, key, pkcs11.CKA_VERIFY)
				if err != nil {
					return nil, err
				}
				return hmacVerifier{op: op}, nil
			},
		})
	}
}
