// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// sealOpener is the one-shot AEAD shape shared by crypto/cipher's GCM and
// this package's own CCM construction.
type sealOpener interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// aeadOperation backs both CKM_AES_GCM and CKM_AES_CCM: both are one-shot
// at the AEAD level, so Update only buffers and Final does the actual
// seal/open, same buffering discipline as blockOperation.
type aeadOperation struct {
	mechanism.StateMachine
	aead     sealOpener
	nonce    []byte
	aad      []byte
	buffered []byte
	encrypt  bool
}

func newGCM(key *object.Object, p GCMParams, encrypt bool, op uint) (*aeadOperation, error) {
	if err := checkKeyOps(key, op); err != nil {
		return nil, err
	}
	if p.TagBits%8 != 0 || p.TagBits < 32 || p.TagBits > 128 {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "ulTagBits must be a multiple of 8 in [32,128]")
	}
	if len(p.IV) == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "GCM requires a non-empty IV")
	}
	raw, err := rawKeyBytes(key)
	if err != nil {
		return nil, err
	}
	block, err := newBlockCipher(raw)
	if err != nil {
		return nil, err
	}
	// crypto/cipher lets a GCM vary its nonce size or its tag size, but
	// not both at once; the standard 96-bit IV is required for truncated
	// tags.
	var gcm cipher.AEAD
	switch {
	case p.TagBits == 128:
		gcm, err = cipher.NewGCMWithNonceSize(block, len(p.IV))
	case len(p.IV) == 12:
		gcm, err = cipher.NewGCMWithTagSize(block, int(p.TagBits/8))
	default:
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "a truncated GCM tag requires a 12-byte IV")
	}
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_MECHANISM_PARAM_INVALID, err, "could not construct GCM")
	}
	return &aeadOperation{aead: gcm, nonce: p.IV, aad: p.AAD, encrypt: encrypt}, nil
}

func NewGCMEncryption(key *object.Object, p GCMParams) (*aeadOperation, error) {
	return newGCM(key, p, true, pkcs11.CKA_ENCRYPT)
}

func NewGCMDecryption(key *object.Object, p GCMParams) (*aeadOperation, error) {
	return newGCM(key, p, false, pkcs11.CKA_DECRYPT)
}

func newCCM(key *object.Object, p CCMParams, encrypt bool, op uint) (*aeadOperation, error) {
	if err := checkKeyOps(key, op); err != nil {
		return nil, err
	}
	if p.MACLen < 4 || p.MACLen > 16 || p.MACLen%2 != 0 {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "ulMACLen must be an even value in [4,16]")
	}
	if len(p.Nonce) < 7 || len(p.Nonce) > 13 {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "CCM nonce must be 7..13 bytes")
	}
	raw, err := rawKeyBytes(key)
	if err != nil {
		return nil, err
	}
	block, err := newBlockCipher(raw)
	if err != nil {
		return nil, err
	}
	ccm := &ccmMode{block: block, tagLen: int(p.MACLen)}
	return &aeadOperation{aead: ccm, nonce: p.Nonce, aad: p.AAD, encrypt: encrypt}, nil
}

func NewCCMEncryption(key *object.Object, p CCMParams) (*aeadOperation, error) {
	return newCCM(key, p, true, pkcs11.CKA_ENCRYPT)
}

func NewCCMDecryption(key *object.Object, p CCMParams) (*aeadOperation, error) {
	return newCCM(key, p, false, pkcs11.CKA_DECRYPT)
}

func (o *aeadOperation) Update(data []byte) ([]byte, error) {
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	o.buffered = append(o.buffered, data...)
	return nil, nil
}

func (o *aeadOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	if o.encrypt {
		return o.aead.Seal(nil, o.nonce, o.buffered, o.aad), nil
	}
	pt, err := o.aead.Open(nil, o.nonce, o.buffered, o.aad)
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_ENCRYPTED_DATA_INVALID, err, "AEAD authentication failed")
	}
	return pt, nil
}
