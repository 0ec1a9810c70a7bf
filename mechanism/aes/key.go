// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	stdaes "crypto/aes"
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

// checkKeyOps confirms key is an AES secret key permitted to perform op
// (one of CKA_ENCRYPT, CKA_DECRYPT, CKA_SIGN, CKA_VERIFY, CKA_WRAP,
// CKA_UNWRAP, CKA_DERIVE).
func checkKeyOps(key *object.Object, op uint) error {
	class, err := key.Class()
	if err != nil {
		return err
	}
	if class != uint64(pkcs11.CKO_SECRET_KEY) {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "not a secret key")
	}
	kt, ok := key.KeyType()
	if !ok || kt != pkcs11.CKK_AES {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "not an AES key")
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

// rawKeyBytes extracts CKA_VALUE from an AES secret key object, already
// confirmed to be the correct class/key-type by checkKeyOps.
func rawKeyBytes(key *object.Object) ([]byte, error) {
	a, ok := key.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "AES key has no VALUE")
	}
	return attribute.ToBytes(a)
}

func newBlockCipher(key []byte) (cipher.Block, error) {
	c, err := stdaes.NewCipher(key)
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_KEY_SIZE_RANGE, err, "invalid AES key")
	}
	return c, nil
}

// zeroize overwrites key material before a buffer is released; every
// error path that touched plaintext key bytes must pass through it.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
