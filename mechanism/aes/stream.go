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

// streamMode names the true-streaming AES modes: CTR, OFB, CFB-8/128.
// Unlike blockOperation, these tolerate any-length Update calls and can
// process data incrementally, so the state machine streams bytes through
// on every Update instead of buffering until Final.
type streamMode int

const (
	modeCTR streamMode = iota
	modeOFB
	modeCFB8
	modeCFB128
)

type streamOperation struct {
	mechanism.StateMachine
	stream cipher.Stream
}

func newStreamOperation(mode streamMode, key *object.Object, p CTRParams, iv []byte, encrypt bool, op uint) (*streamOperation, error) {
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

	var stream cipher.Stream
	switch mode {
	case modeCTR:
		if p.CounterBits != 0 && p.CounterBits != 128 {
			return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "only a full 128-bit counter is supported")
		}
		stream = cipher.NewCTR(block, p.CB[:])
	case modeOFB:
		if len(iv) != aes.BlockSize {
			return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "OFB requires a 16-byte IV")
		}
		stream = cipher.NewOFB(block, iv)
	case modeCFB8:
		if len(iv) != aes.BlockSize {
			return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "CFB requires a 16-byte IV")
		}
		stream = newCFB8(block, iv, encrypt)
	case modeCFB128:
		if len(iv) != aes.BlockSize {
			return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "CFB requires a 16-byte IV")
		}
		if encrypt {
			stream = cipher.NewCFBEncrypter(block, iv)
		} else {
			stream = cipher.NewCFBDecrypter(block, iv)
		}
	}
	return &streamOperation{stream: stream}, nil
}

func NewCTREncryption(key *object.Object, p CTRParams) (*streamOperation, error) {
	return newStreamOperation(modeCTR, key, p, nil, true, pkcs11.CKA_ENCRYPT)
}

func NewCTRDecryption(key *object.Object, p CTRParams) (*streamOperation, error) {
	return newStreamOperation(modeCTR, key, p, nil, false, pkcs11.CKA_DECRYPT)
}

func NewOFBEncryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeOFB, key, CTRParams{}, iv, true, pkcs11.CKA_ENCRYPT)
}

func NewOFBDecryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeOFB, key, CTRParams{}, iv, false, pkcs11.CKA_DECRYPT)
}

func NewCFB8Encryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeCFB8, key, CTRParams{}, iv, true, pkcs11.CKA_ENCRYPT)
}

func NewCFB8Decryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeCFB8, key, CTRParams{}, iv, false, pkcs11.CKA_DECRYPT)
}

func NewCFB128Encryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeCFB128, key, CTRParams{}, iv, true, pkcs11.CKA_ENCRYPT)
}

func NewCFB128Decryption(key *object.Object, iv []byte) (*streamOperation, error) {
	return newStreamOperation(modeCFB128, key, CTRParams{}, iv, false, pkcs11.CKA_DECRYPT)
}

// cfb8 is CFB with an 8-bit segment size (NIST SP 800-38A §6.3), which
// crypto/cipher does not provide: a full block encryption per byte, with
// the ciphertext byte shifted into the feedback register.
type cfb8 struct {
	block   cipher.Block
	sr      [aes.BlockSize]byte
	encrypt bool
}

func newCFB8(block cipher.Block, iv []byte, encrypt bool) *cfb8 {
	c := &cfb8{block: block, encrypt: encrypt}
	copy(c.sr[:], iv)
	return c
}

func (c *cfb8) XORKeyStream(dst, src []byte) {
	var ks [aes.BlockSize]byte
	for i := range src {
		c.block.Encrypt(ks[:], c.sr[:])
		in := src[i]
		out := in ^ ks[0]
		copy(c.sr[:], c.sr[1:])
		if c.encrypt {
			c.sr[aes.BlockSize-1] = out
		} else {
			c.sr[aes.BlockSize-1] = in
		}
		dst[i] = out
	}
}

// Update XORs keystream into data in place on a fresh copy, streaming
// through the state machine's Active state; CTR/OFB are their own
// inverse so the same path serves both encrypt and decrypt operation
// kinds (construct with the corresponding capability check only).
func (o *streamOperation) Update(data []byte) ([]byte, error) {
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	o.stream.XORKeyStream(out, data)
	return out, nil
}

func (o *streamOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.Finish(); err != nil {
		return nil, err
	}
	return nil, nil
}

// ctsOperation implements AES-CTS (ciphertext stealing) as a one-shot
// operation: CBC over all but the final one-or-two blocks, then the
// standard CS3 stealing swap for the tail, matching the construction
// PKCS#11's CKM_AES_CTS mandates.
type ctsOperation struct {
	mechanism.StateMachine
	block   cipher.Block
	iv      [aes.BlockSize]byte
	buf     []byte
	encrypt bool
}

func NewCTSEncryption(key *object.Object, iv [aes.BlockSize]byte) (*ctsOperation, error) {
	return newCTSOperation(key, iv, true, pkcs11.CKA_ENCRYPT)
}

func NewCTSDecryption(key *object.Object, iv [aes.BlockSize]byte) (*ctsOperation, error) {
	return newCTSOperation(key, iv, false, pkcs11.CKA_DECRYPT)
}

func newCTSOperation(key *object.Object, iv [aes.BlockSize]byte, encrypt bool, op uint) (*ctsOperation, error) {
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
	return &ctsOperation{block: block, iv: iv, encrypt: encrypt}, nil
}

func (o *ctsOperation) Update(data []byte) ([]byte, error) {
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	o.buf = append(o.buf, data...)
	return nil, nil
}

func (o *ctsOperation) Final() ([]byte, error) {
	defer o.Cancel()
	if err := o.CheckActive(); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	if len(o.buf) < aes.BlockSize {
		return nil, cryptokierr.New(pkcs11.CKR_DATA_LEN_RANGE, "CTS requires at least one full block")
	}
	if o.encrypt {
		return ctsEncrypt(o.block, o.iv, o.buf), nil
	}
	return ctsDecrypt(o.block, o.iv, o.buf)
}

// ctsEncrypt/ctsDecrypt implement CBC-CS3 ciphertext stealing per NIST
// SP 800-38A Addendum: ordinary CBC chaining over every full block except
// the last full block, which is combined with the trailing partial block
// via the stealing swap; when the input is an exact multiple of the
// block size, CS3 reduces to plain CBC with its last two blocks swapped.
func ctsEncrypt(block cipher.Block, iv [aes.BlockSize]byte, plain []byte) []byte {
	bs := aes.BlockSize
	rem := len(plain) % bs
	if rem == 0 {
		out := make([]byte, len(plain))
		cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, plain)
		swapLastTwoBlocks(out, bs)
		return out
	}

	fullBlocks := len(plain) / bs
	prevLen := (fullBlocks - 1) * bs
	chain := iv
	out := make([]byte, 0, len(plain))
	for i := 0; i < prevLen; i += bs {
		blk := make([]byte, bs)
		xorBlock(blk, plain[i:i+bs], chain[:])
		block.Encrypt(blk, blk)
		out = append(out, blk...)
		copy(chain[:], blk)
	}

	lastFull := plain[prevLen : prevLen+bs]
	partial := plain[prevLen+bs:]

	cstar := make([]byte, bs)
	xorBlock(cstar, lastFull, chain[:])
	block.Encrypt(cstar, cstar)

	stolen := append([]byte{}, cstar[:rem]...)

	padded := make([]byte, bs) // partial block, zero-padded
	copy(padded, partial)

	final := make([]byte, bs)
	xorBlock(final, cstar, padded)
	block.Encrypt(final, final)

	out = append(out, final...)
	out = append(out, stolen...)
	return out
}

func ctsDecrypt(block cipher.Block, iv [aes.BlockSize]byte, ciph []byte) ([]byte, error) {
	bs := aes.BlockSize
	rem := len(ciph) % bs
	if rem == 0 {
		in := append([]byte{}, ciph...)
		swapLastTwoBlocks(in, bs)
		out := make([]byte, len(in))
		cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, in)
		return out, nil
	}

	fullBlocks := len(ciph) / bs
	prevLen := (fullBlocks - 1) * bs
	chain := iv
	out := make([]byte, 0, len(ciph))
	for i := 0; i < prevLen; i += bs {
		blk := make([]byte, bs)
		block.Decrypt(blk, ciph[i:i+bs])
		xorBlock(blk, blk, chain[:])
		out = append(out, blk...)
		copy(chain[:], ciph[i:i+bs])
	}

	cLast := ciph[prevLen : prevLen+bs] // the full block transmitted first
	stolen := ciph[prevLen+bs:]         // the truncated, stolen tail block

	dn := make([]byte, bs)
	block.Decrypt(dn, cLast)

	cstar := make([]byte, bs)
	copy(cstar[:rem], stolen)
	copy(cstar[rem:], dn[rem:])

	partial := make([]byte, rem)
	xorBlock(partial, dn[:rem], stolen)

	lastFull := make([]byte, bs)
	block.Decrypt(lastFull, cstar)
	xorBlock(lastFull, lastFull, chain[:])

	out = append(out, lastFull...)
	out = append(out, partial...)
	return out, nil
}

func swapLastTwoBlocks(data []byte, bs int) {
	n := len(data)
	if n < 2*bs {
		return // a single block is plain CBC; there is nothing to swap
	}
	tmp := append([]byte{}, data[n-bs:]...)
	copy(data[n-bs:], data[n-2*bs:n-bs])
	copy(data[n-2*bs:n-bs], tmp)
}

func xorBlock(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
