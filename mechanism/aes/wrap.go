// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

// WrapMode names the AES constructions usable for key wrap: the plain
// block modes, plus the dedicated RFC 3394 (CKM_AES_KEY_WRAP) and
// RFC 5649 (CKM_AES_KEY_WRAP_PAD) constructions.
type WrapMode int

const (
	WrapECB WrapMode = iota
	WrapCBC
	WrapCBCPad
	WrapKW
	WrapKWP
)

func (m WrapMode) blockMode() (blockMode, bool) {
	switch m {
	case WrapECB:
		return modeECB, true
	case WrapCBC:
		return modeCBC, true
	case WrapCBCPad:
		return modeCBCPad, true
	default:
		return 0, false
	}
}

// Wrap exports key's plaintext via the owning factory's ExportForWrapping
// (secret keys emit VALUE), then encrypts it once under wrappingKey with
// the requested construction.
func Wrap(factory object.Factory, wrappingKey, key *object.Object, mode WrapMode, iv *[aes.BlockSize]byte) ([]byte, error) {
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_NOT_WRAPPABLE, "key's factory does not support export for wrapping")
	}
	if err := checkKeyOps(wrappingKey, pkcs11.CKA_WRAP); err != nil {
		return nil, err
	}

	plaintext, err := secretFactory.ExportForWrapping(key)
	if err != nil {
		return nil, err
	}
	defer zeroize(plaintext)

	if bm, isBlock := mode.blockMode(); isBlock {
		op, err := newBlockOperation(bm, wrappingKey, iv, true, pkcs11.CKA_WRAP)
		if err != nil {
			return nil, err
		}
		if _, err := op.Update(plaintext); err != nil {
			return nil, err
		}
		return op.Final()
	}

	raw, err := rawKeyBytes(wrappingKey)
	if err != nil {
		return nil, err
	}
	block, err := newBlockCipher(raw)
	if err != nil {
		return nil, err
	}
	if mode == WrapKW {
		return kwWrap(block, plaintext)
	}
	return kwpWrap(block, plaintext)
}

// Unwrap decrypts wrapped under wrappingKey, then hands the plaintext to
// the target factory's ImportFromWrapped, which performs the
// class-specific VALUE_LEN/size validation (and zeroizes on mismatch)
// before returning the new object.
func Unwrap(factory object.SecretKeyFactory, wrappingKey *object.Object, wrapped []byte, mode WrapMode, iv *[aes.BlockSize]byte, template []attribute.Attribute) (*object.Object, error) {
	if err := checkKeyOps(wrappingKey, pkcs11.CKA_UNWRAP); err != nil {
		return nil, err
	}

	var plaintext []byte
	if bm, isBlock := mode.blockMode(); isBlock {
		op, err := newBlockOperation(bm, wrappingKey, iv, false, pkcs11.CKA_UNWRAP)
		if err != nil {
			return nil, err
		}
		if _, err := op.Update(wrapped); err != nil {
			return nil, err
		}
		plaintext, err = op.Final()
		if err != nil {
			return nil, err
		}
	} else {
		raw, err := rawKeyBytes(wrappingKey)
		if err != nil {
			return nil, err
		}
		block, err := newBlockCipher(raw)
		if err != nil {
			return nil, err
		}
		if mode == WrapKW {
			plaintext, err = kwUnwrap(block, wrapped)
		} else {
			plaintext, err = kwpUnwrap(block, wrapped)
		}
		if err != nil {
			return nil, err
		}
	}

	obj, err := factory.ImportFromWrapped(plaintext, template)
	zeroize(plaintext)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// kwIV is RFC 3394's fixed initial value.
var kwIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// kwpAIVPrefix is RFC 5649's alternative initial value prefix; the
// remaining four bytes carry the unpadded key length.
var kwpAIVPrefix = [4]byte{0xA6, 0x59, 0x59, 0xA6}

// kwWrapWithIV runs the RFC 3394 §2.2.1 wrapping loop with an arbitrary
// 64-bit initial value, shared by KW and KWP.
func kwWrapWithIV(block cipher.Block, iv [8]byte, plaintext []byte) []byte {
	n := len(plaintext) / 8
	a := iv
	r := append([]byte(nil), plaintext...)
	var b [aes.BlockSize]byte
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(b[:8], a[:])
			copy(b[8:], r[(i-1)*8:i*8])
			block.Encrypt(b[:], b[:])
			copy(a[:], b[:8])
			t := uint64(n*j + i)
			for k := 7; k >= 0; k-- {
				a[k] ^= byte(t)
				t >>= 8
			}
			copy(r[(i-1)*8:i*8], b[8:])
		}
	}
	return append(a[:], r...)
}

// kwUnwrapToIV reverses kwWrapWithIV, returning the recovered initial
// value alongside the plaintext blocks.
func kwUnwrapToIV(block cipher.Block, ciphertext []byte) ([8]byte, []byte) {
	n := len(ciphertext)/8 - 1
	var a [8]byte
	copy(a[:], ciphertext[:8])
	r := append([]byte(nil), ciphertext[8:]...)
	var b [aes.BlockSize]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			for k := 7; k >= 0; k-- {
				a[k] ^= byte(t)
				t >>= 8
			}
			copy(b[:8], a[:])
			copy(b[8:], r[(i-1)*8:i*8])
			block.Decrypt(b[:], b[:])
			copy(a[:], b[:8])
			copy(r[(i-1)*8:i*8], b[8:])
		}
	}
	return a, r
}

// kwWrap implements RFC 3394 AES Key Wrap: the plaintext must be at least
// two 64-bit blocks.
func kwWrap(block cipher.Block, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "AES key wrap requires a multiple of 8 bytes, at least 16")
	}
	return kwWrapWithIV(block, kwIV, plaintext), nil
}

func kwUnwrap(block cipher.Block, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 24 {
		return nil, cryptokierr.New(pkcs11.CKR_WRAPPED_KEY_LEN_RANGE, "wrapped blob length invalid for AES key wrap")
	}
	a, r := kwUnwrapToIV(block, ciphertext)
	if a != kwIV {
		zeroize(r)
		return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_INVALID, "AES key wrap integrity check failed")
	}
	return r, nil
}

// kwpWrap implements RFC 5649 AES Key Wrap with Padding, which accepts any
// plaintext length.
func kwpWrap(block cipher.Block, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "cannot wrap an empty key")
	}
	var aiv [8]byte
	copy(aiv[:], kwpAIVPrefix[:])
	mli := uint32(len(plaintext))
	aiv[4] = byte(mli >> 24)
	aiv[5] = byte(mli >> 16)
	aiv[6] = byte(mli >> 8)
	aiv[7] = byte(mli)

	padded := append([]byte(nil), plaintext...)
	for len(padded)%8 != 0 {
		padded = append(padded, 0)
	}
	defer zeroize(padded)

	if len(padded) == 8 {
		var b [aes.BlockSize]byte
		copy(b[:8], aiv[:])
		copy(b[8:], padded)
		block.Encrypt(b[:], b[:])
		return append([]byte(nil), b[:]...), nil
	}
	return kwWrapWithIV(block, aiv, padded), nil
}

func kwpUnwrap(block cipher.Block, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 16 {
		return nil, cryptokierr.New(pkcs11.CKR_WRAPPED_KEY_LEN_RANGE, "wrapped blob length invalid for AES key wrap with padding")
	}

	var aiv [8]byte
	var padded []byte
	if len(ciphertext) == 16 {
		var b [aes.BlockSize]byte
		copy(b[:], ciphertext)
		block.Decrypt(b[:], b[:])
		copy(aiv[:], b[:8])
		padded = append([]byte(nil), b[8:]...)
	} else {
		aiv, padded = kwUnwrapToIV(block, ciphertext)
	}

	mli := uint32(aiv[4])<<24 | uint32(aiv[5])<<16 | uint32(aiv[6])<<8 | uint32(aiv[7])
	valid := aiv[0] == kwpAIVPrefix[0] && aiv[1] == kwpAIVPrefix[1] &&
		aiv[2] == kwpAIVPrefix[2] && aiv[3] == kwpAIVPrefix[3] &&
		int(mli) > len(padded)-8 && int(mli) <= len(padded)
	if valid {
		for _, pad := range padded[mli:] {
			if pad != 0 {
				valid = false
			}
		}
	}
	if !valid {
		zeroize(padded)
		return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_INVALID, "AES key wrap integrity check failed")
	}
	return padded[:mli], nil
}
