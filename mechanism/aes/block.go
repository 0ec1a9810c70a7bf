// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// blockMode names the ECB/CBC/CBC_PAD family; each one-shot operation
// buffers all Update() input and produces output only on Final(), since
// CBC padding and the wrap/derive callers all need the whole message at
// once.
type blockMode int

const (
	modeECB blockMode = iota
	modeCBC
	modeCBCPad
)

type blockOperation struct {
	mechanism.StateMachine
	mode    blockMode
	block   cipher.Block
	iv      [aes.BlockSize]byte
	buf     []byte
	encrypt bool
}

func newBlockOperation(mode blockMode, key *object.Object, iv *[aes.BlockSize]byte, encrypt bool, op uint) (*blockOperation, error) {
	if err := checkKeyOps(key, op); err != nil {
		return nil, err
	}
	raw, err := rawKeyBytes(key)
	if err != nil {
		return nil, err
	}
	block, err := newBlockCipher(raw)
	if err != nil {
		return nil, err
	}
	o := &blockOperation{mode: mode, block: block, encrypt: encrypt}
	if mode != modeECB {
		if iv == nil {
			return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "CBC mode requires a 16-byte IV")
		}
		o.iv = *iv
	}
	return o, nil
}

func NewEncryption(mode blockMode, key *object.Object, iv *[aes.BlockSize]byte) (*blockOperation, error) {
	return newBlockOperation(mode, key, iv, true, pkcs11.CKA_ENCRYPT)
}

func NewDecryption(mode blockMode, key *object.Object, iv *[aes.BlockSize]byte) (*blockOperation, error) {
	return newBlockOperation(mode, key, iv, false, pkcs11.CKA_DECRYPT)
}

// Update buffers plaintext/ciphertext for one-shot processing on Final.
func (o *blockOperation) Update(data []byte) ([]byte, error) {
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	o.buf = append(o.buf, data...)
	return nil, nil
}

func (o *blockOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}

	plain := o.buf
	if o.encrypt {
		return o.encryptAll(plain)
	}
	return o.decryptAll(plain)
}

func (o *blockOperation) encryptAll(plain []byte) ([]byte, error) {
	padded := plain
	if o.mode == modeCBCPad {
		padded = pkcs7Pad(plain, aes.BlockSize)
	} else if len(plain)%aes.BlockSize != 0 {
		return nil, cryptokierr.New(pkcs11.CKR_DATA_LEN_RANGE, "plaintext length must be a multiple of the AES block size")
	}

	out := make([]byte, len(padded))
	switch o.mode {
	case modeECB:
		ecbEncrypt(o.block, out, padded)
	case modeCBC, modeCBCPad:
		mode := cipher.NewCBCEncrypter(o.block, o.iv[:])
		mode.CryptBlocks(out, padded)
	}
	return out, nil
}

func (o *blockOperation) decryptAll(ciph []byte) ([]byte, error) {
	if len(ciph)%aes.BlockSize != 0 || len(ciph) == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE, "ciphertext length must be a non-zero multiple of the AES block size")
	}
	out := make([]byte, len(ciph))
	switch o.mode {
	case modeECB:
		ecbDecrypt(o.block, out, ciph)
	case modeCBC, modeCBCPad:
		mode := cipher.NewCBCDecrypter(o.block, o.iv[:])
		mode.CryptBlocks(out, ciph)
	}
	if o.mode == modeCBCPad {
		unpadded, err := pkcs7Unpad(out, aes.BlockSize)
		if err != nil {
			return nil, err
		}
		return unpadded, nil
	}
	return out, nil
}

// ecbEncrypt/ecbDecrypt apply an AES block cipher in ECB mode, which
// crypto/cipher deliberately does not expose a built-in mode for (ECB
// leaks block-repetition patterns); Cryptoki requires it regardless, for
// use in wrap/unwrap and derive-by-encrypt, never as a general-purpose
// confidentiality mode.
func ecbEncrypt(block cipher.Block, dst, src []byte) {
	bs := block.BlockSize()
	for len(src) > 0 {
		block.Encrypt(dst[:bs], src[:bs])
		src, dst = src[bs:], dst[bs:]
	}
}

func ecbDecrypt(block cipher.Block, dst, src []byte) {
	bs := block.BlockSize()
	for len(src) > 0 {
		block.Decrypt(dst[:bs], src[:bs])
		src, dst = src[bs:], dst[bs:]
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE, "padded ciphertext length invalid")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_INVALID, "invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, cryptokierr.New(pkcs11.CKR_ENCRYPTED_DATA_INVALID, "invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-n], nil
}
