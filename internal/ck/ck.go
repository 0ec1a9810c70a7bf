// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package ck declares the PKCS#11 v3.0 identifiers this core needs that
// github.com/miekg/pkcs11 does not provide (it mirrors the v2.40 header).
// Values follow the OASIS v3.0 pkcs11t.h; names keep the header's spelling
// rather than Go convention, matching how the pkcs11 package itself names
// them.
package ck

const (
	CKA_UNIQUE_ID = 0x00000004

	CKK_SHA3_256_HMAC = 0x00000037
	CKK_EC_EDWARDS    = 0x00000040
	CKK_EC_MONTGOMERY = 0x00000041

	CKM_SHA3_256      = 0x000002b0
	CKM_SHA3_256_HMAC = 0x000002b1
	CKM_SHA3_384      = 0x000002c0
	CKM_SHA3_512      = 0x000002d0

	CKM_HKDF_DERIVE = 0x0000402a

	CKF_HKDF_SALT_NULL = 0x00000001
	CKF_HKDF_SALT_DATA = 0x00000002
	CKF_HKDF_SALT_KEY  = 0x00000004
)
