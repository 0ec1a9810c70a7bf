// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package aes implements the AES mechanism family: block and stream
// encryption, AEAD, CMAC, key wrap, key generation, and
// derive-by-encrypt, built on crypto/aes and crypto/cipher as the
// primitive provider.
package aes

import (
	"crypto/aes"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/cryptokierr"
)

// CBCParams is CK_AES_CBC/_PAD's parameter block: a single 16-byte IV.
type CBCParams struct {
	IV [aes.BlockSize]byte
}

// CTRParams mirrors CK_AES_CTR_PARAMS: a counter block plus the number of
// bits at its low end that roll over (we only support the common
// full-width counter, ulCounterBits == 128).
type CTRParams struct {
	CounterBits uint
	CB          [aes.BlockSize]byte
}

// GCMParams mirrors CK_GCM_PARAMS.
type GCMParams struct {
	IV      []byte
	AAD     []byte
	TagBits uint
}

// CCMParams mirrors CK_CCM_PARAMS.
type CCMParams struct {
	DataLen uint
	Nonce   []byte
	AAD     []byte
	MACLen  uint
}

// MACGeneralParams mirrors CK_MAC_GENERAL_PARAMS: the truncated MAC
// length in bytes for _GENERAL mechanism variants.
type MACGeneralParams struct {
	MACLen uint
}

// EncryptDataParams is the union of CK_KEY_DERIVATION_STRING_DATA (ECB)
// and CK_AES_CBC_ENCRYPT_DATA_PARAMS (CBC).
type EncryptDataParams struct {
	IV   *[aes.BlockSize]byte // nil for ECB
	Data []byte
}

func validateEncryptDataParams(p EncryptDataParams) error {
	if len(p.Data) == 0 {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "pData must be non-null and non-empty")
	}
	if len(p.Data)%aes.BlockSize != 0 {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "length must be a multiple of the AES block size")
	}
	return nil
}
