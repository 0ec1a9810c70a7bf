// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

// ccmMode implements RFC 3610 AES-CCM on top of a raw block cipher, since
// crypto/cipher only ships GCM. The nonce length fixes L = 15 - len(nonce),
// the big-endian width of the message-length field.
type ccmMode struct {
	block  cipher.Block
	tagLen int
}

var errCCMAuth = errors.New("ccm: message authentication failed")

func (c *ccmMode) maxLength(nonceLen int) uint64 {
	l := 15 - nonceLen
	if l >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(l)) - 1
}

// b0 assembles the first CBC-MAC block: flags, nonce, then the message
// length big-endian in the remaining L bytes.
func (c *ccmMode) b0(nonce []byte, msgLen int, aadPresent bool) [aes.BlockSize]byte {
	var b [aes.BlockSize]byte
	l := 15 - len(nonce)
	b[0] = byte((c.tagLen-2)/2)<<3 | byte(l-1)
	if aadPresent {
		b[0] |= 1 << 6
	}
	copy(b[1:], nonce)
	n := uint64(msgLen)
	for i := 15; i > len(nonce); i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// ctrBlock assembles the CTR input A_i: flags, nonce, counter i.
func ctrBlock(nonce []byte, i uint64) [aes.BlockSize]byte {
	var a [aes.BlockSize]byte
	a[0] = byte(15 - len(nonce) - 1)
	copy(a[1:], nonce)
	for j := 15; j > len(nonce); j-- {
		a[j] = byte(i)
		i >>= 8
	}
	return a
}

// tag computes the CBC-MAC T over B0, the length-prefixed AAD, and the
// message, per RFC 3610 §2.2.
func (c *ccmMode) tag(nonce, aad, msg []byte) []byte {
	x := c.b0(nonce, len(msg), len(aad) > 0)
	c.block.Encrypt(x[:], x[:])

	if len(aad) > 0 {
		var hdr []byte
		if len(aad) < 0xff00 {
			hdr = []byte{byte(len(aad) >> 8), byte(len(aad))}
		} else {
			n := uint64(len(aad))
			hdr = []byte{0xff, 0xfe, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
		}
		rem := append([]byte(nil), hdr...)
		rem = append(rem, aad...)
		for len(rem)%aes.BlockSize != 0 {
			rem = append(rem, 0)
		}
		for i := 0; i < len(rem); i += aes.BlockSize {
			xorBlock(x[:], x[:], rem[i:i+aes.BlockSize])
			c.block.Encrypt(x[:], x[:])
		}
	}

	for i := 0; i < len(msg); i += aes.BlockSize {
		var blk [aes.BlockSize]byte
		copy(blk[:], msg[i:])
		xorBlock(x[:], x[:], blk[:])
		c.block.Encrypt(x[:], x[:])
	}
	return x[:c.tagLen]
}

// ctrCrypt XORs the A_1.. keystream into data (encrypt and decrypt are the
// same operation) and returns E(A_0)'s prefix for masking the tag.
func (c *ccmMode) ctrCrypt(dst, nonce, data []byte) []byte {
	a0 := ctrBlock(nonce, 0)
	var s0 [aes.BlockSize]byte
	c.block.Encrypt(s0[:], a0[:])

	for i := 0; i < len(data); i += aes.BlockSize {
		a := ctrBlock(nonce, uint64(i/aes.BlockSize)+1)
		var s [aes.BlockSize]byte
		c.block.Encrypt(s[:], a[:])
		n := len(data) - i
		if n > aes.BlockSize {
			n = aes.BlockSize
		}
		for j := 0; j < n; j++ {
			dst[i+j] = data[i+j] ^ s[j]
		}
	}
	return s0[:c.tagLen]
}

func (c *ccmMode) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if uint64(len(plaintext)) > c.maxLength(len(nonce)) {
		panic("ccm: plaintext too large for nonce length")
	}
	out := make([]byte, len(plaintext)+c.tagLen)
	t := c.tag(nonce, additionalData, plaintext)
	mask := c.ctrCrypt(out[:len(plaintext)], nonce, plaintext)
	for i := 0; i < c.tagLen; i++ {
		out[len(plaintext)+i] = t[i] ^ mask[i]
	}
	return append(dst, out...)
}

func (c *ccmMode) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < c.tagLen {
		return nil, errCCMAuth
	}
	body := ciphertext[:len(ciphertext)-c.tagLen]
	recv := ciphertext[len(ciphertext)-c.tagLen:]

	plaintext := make([]byte, len(body))
	mask := c.ctrCrypt(plaintext, nonce, body)
	want := c.tag(nonce, additionalData, plaintext)
	for i := 0; i < c.tagLen; i++ {
		want[i] ^= mask[i]
	}
	if subtle.ConstantTimeCompare(want, recv) != 1 {
		zeroize(plaintext)
		return nil, errCCMAuth
	}
	return append(dst, plaintext...), nil
}
