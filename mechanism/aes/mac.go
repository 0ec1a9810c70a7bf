// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// macOperation backs AES_CMAC/AES_CMAC_GENERAL (RFC 4493) and the legacy,
// non-FIPS AES_MAC/AES_MAC_GENERAL (plain CBC-MAC with a zero IV and no
// subkey derivation). Both are one-shot: Update buffers, Final computes.
type macOperation struct {
	mechanism.StateMachine
	block   cipher.Block
	buf     []byte
	macLen  uint
	cmac    bool
	verify  bool
	wantSig []byte
}

func newMACOperation(key *object.Object, macLen uint, cmac bool, op uint) (*macOperation, error) {
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
	if macLen == 0 {
		macLen = uint(aes.BlockSize)
	}
	if macLen > aes.BlockSize {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "MAC length exceeds the AES block size")
	}
	return &macOperation{block: block, macLen: macLen, cmac: cmac}, nil
}

func NewCMACSign(key *object.Object, macLen uint) (*macOperation, error) {
	return newMACOperation(key, macLen, true, pkcs11.CKA_SIGN)
}

func NewCMACVerify(key *object.Object, macLen uint) (*macOperation, error) {
	o, err := newMACOperation(key, macLen, true, pkcs11.CKA_VERIFY)
	if err != nil {
		return nil, err
	}
	o.verify = true
	return o, nil
}

func NewLegacyMACSign(key *object.Object, macLen uint) (*macOperation, error) {
	return newMACOperation(key, macLen, false, pkcs11.CKA_SIGN)
}

func NewLegacyMACVerify(key *object.Object, macLen uint) (*macOperation, error) {
	o, err := newMACOperation(key, macLen, false, pkcs11.CKA_VERIFY)
	if err != nil {
		return nil, err
	}
	o.verify = true
	return o, nil
}

func (o *macOperation) Update(data []byte) error {
	if err := o.CheckActive(); err != nil {
		return err
	}
	o.buf = append(o.buf, data...)
	return nil
}

func (o *macOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	var full []byte
	if o.cmac {
		full = cmac(o.block, o.buf)
	} else {
		full = legacyCBCMAC(o.block, o.buf)
	}
	return full[:o.macLen], nil
}

// VerifyFinal compares a computed MAC to the caller-supplied signature in
// constant time, reporting SIGNATURE_INVALID on mismatch.
func (o *macOperation) VerifyFinal(signature []byte) error {
	mac, err := o.Final()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac, signature) != 1 {
		return cryptokierr.New(pkcs11.CKR_SIGNATURE_INVALID, "MAC does not match")
	}
	return nil
}

// cmac computes RFC 4493 AES-CMAC.
func cmac(block cipher.Block, data []byte) []byte {
	bs := aes.BlockSize
	zero := make([]byte, bs)
	l := make([]byte, bs)
	block.Encrypt(l, zero)

	k1 := shiftAndXorRb(l)
	k2 := shiftAndXorRb(k1)

	var lastBlock []byte
	complete := len(data) > 0 && len(data)%bs == 0
	numBlocks := (len(data) + bs - 1) / bs
	if numBlocks == 0 {
		numBlocks = 1
	}

	padded := make([]byte, numBlocks*bs)
	copy(padded, data)
	if !complete {
		padded[len(data)] = 0x80
	}

	lastBlock = padded[(numBlocks-1)*bs : numBlocks*bs]
	if complete {
		xorBlock(lastBlock, lastBlock, k1)
	} else {
		xorBlock(lastBlock, lastBlock, k2)
	}

	mac := make([]byte, bs)
	for i := 0; i < numBlocks; i++ {
		xorBlock(mac, mac, padded[i*bs:(i+1)*bs])
		block.Encrypt(mac, mac)
	}
	return mac
}

const rb = 0x87

// shiftAndXorRb implements RFC 4493's subkey generation step: left-shift
// by one bit, and XOR the block's constant Rb into the last byte if the
// shifted-out bit was 1.
func shiftAndXorRb(in []byte) []byte {
	bs := len(in)
	out := make([]byte, bs)
	carry := byte(0)
	for i := bs - 1; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[bs-1] ^= rb
	}
	return out
}

// legacyCBCMAC is the pre-CMAC "AES_MAC": plain CBC-MAC with a zero IV,
// PKCS#7-padding an empty or partial final block (block-aligned input is
// not padded), no subkey derivation. Non-FIPS; kept
// for compatibility with older Cryptoki applications.
func legacyCBCMAC(block cipher.Block, data []byte) []byte {
	bs := aes.BlockSize
	padded := data
	if len(padded)%bs != 0 || len(padded) == 0 {
		padded = pkcs7Pad(data, bs)
	}
	iv := make([]byte, bs)
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out[len(out)-bs:]
}
