// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package aes

import (
	stdaes "crypto/aes"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// info is the capability advertisement shared by most AES mechanisms:
// any of the three valid key sizes, no flags (each Register* call below
// ORs in the flags it actually supports).
func info(flags mechanism.Flag) mechanism.Info {
	return mechanism.Info{MinKeySize: object.MinAESSizeBytes, MaxKeySize: object.MaxAESSizeBytes, Flags: flags}
}

// Register installs every AES mechanism descriptor into reg, one per
// CKM_AES_* id, all backed by the shared AES key factory.
func Register(reg *mechanism.Registry) {
	reg.Add(pkcs11.CKM_AES_KEY_GEN, &mechanism.Descriptor{
		Name: "AES_KEY_GEN",
		Info: info(mechanism.Generate),
		NewKeyGen: func(objReg *object.Registry, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			return GenerateKey(objReg, template)
		},
	})

	registerBlockMechanism(reg, pkcs11.CKM_AES_ECB, modeECB, "AES_ECB")
	registerBlockMechanism(reg, pkcs11.CKM_AES_CBC, modeCBC, "AES_CBC")
	registerBlockMechanism(reg, pkcs11.CKM_AES_CBC_PAD, modeCBCPad, "AES_CBC_PAD")

	reg.Add(pkcs11.CKM_AES_CTR, &mechanism.Descriptor{
		Name: "AES_CTR",
		Info: info(mechanism.Encrypt | mechanism.Decrypt),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			p, err := asCTRParams(params)
			if err != nil {
				return nil, err
			}
			return NewCTREncryption(key, p)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			p, err := asCTRParams(params)
			if err != nil {
				return nil, err
			}
			return NewCTRDecryption(key, p)
		},
	})

	registerStreamMechanism(reg, pkcs11.CKM_AES_OFB, "AES_OFB", NewOFBEncryption, NewOFBDecryption)
	registerStreamMechanism(reg, pkcs11.CKM_AES_CFB8, "AES_CFB8", NewCFB8Encryption, NewCFB8Decryption)
	registerStreamMechanism(reg, pkcs11.CKM_AES_CFB128, "AES_CFB128", NewCFB128Encryption, NewCFB128Decryption)

	reg.Add(pkcs11.CKM_AES_CTS, &mechanism.Descriptor{
		Name: "AES_CTS",
		Info: info(mechanism.Encrypt | mechanism.Decrypt),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			iv, err := asCBCParams(params)
			if err != nil {
				return nil, err
			}
			return NewCTSEncryption(key, iv.IV)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			iv, err := asCBCParams(params)
			if err != nil {
				return nil, err
			}
			return NewCTSDecryption(key, iv.IV)
		},
	})

	reg.Add(pkcs11.CKM_AES_GCM, &mechanism.Descriptor{
		Name: "AES_GCM",
		Info: info(mechanism.Encrypt | mechanism.Decrypt),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			p, err := asGCMParams(params)
			if err != nil {
				return nil, err
			}
			return NewGCMEncryption(key, p)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			p, err := asGCMParams(params)
			if err != nil {
				return nil, err
			}
			return NewGCMDecryption(key, p)
		},
	})

	reg.Add(pkcs11.CKM_AES_CCM, &mechanism.Descriptor{
		Name: "AES_CCM",
		Info: info(mechanism.Encrypt | mechanism.Decrypt),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			p, err := asCCMParams(params)
			if err != nil {
				return nil, err
			}
			return NewCCMEncryption(key, p)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			p, err := asCCMParams(params)
			if err != nil {
				return nil, err
			}
			return NewCCMDecryption(key, p)
		},
	})

	registerMACMechanism(reg, pkcs11.CKM_AES_CMAC, true, false, "AES_CMAC")
	registerMACMechanism(reg, pkcs11.CKM_AES_CMAC_GENERAL, true, true, "AES_CMAC_GENERAL")
	registerMACMechanism(reg, pkcs11.CKM_AES_MAC, false, false, "AES_MAC")
	registerMACMechanism(reg, pkcs11.CKM_AES_MAC_GENERAL, false, true, "AES_MAC_GENERAL")

	reg.Add(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, &mechanism.Descriptor{
		Name: "AES_ECB_ENCRYPT_DATA",
		Info: info(mechanism.Derive),
		NewDerive: func(objReg *object.Registry, key *object.Object, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			p, ok := params.(EncryptDataParams)
			if !ok || p.IV != nil {
				return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_KEY_DERIVATION_STRING_DATA")
			}
			return Derive(objReg, key, p, template)
		},
	})
	reg.Add(pkcs11.CKM_AES_CBC_ENCRYPT_DATA, &mechanism.Descriptor{
		Name: "AES_CBC_ENCRYPT_DATA",
		Info: info(mechanism.Derive),
		NewDerive: func(objReg *object.Registry, key *object.Object, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			p, ok := params.(EncryptDataParams)
			if !ok || p.IV == nil {
				return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_AES_CBC_ENCRYPT_DATA_PARAMS")
			}
			return Derive(objReg, key, p, template)
		},
	})

	registerKeyWrapMechanism(reg, pkcs11.CKM_AES_KEY_WRAP, WrapKW, "AES_KEY_WRAP")
	registerKeyWrapMechanism(reg, pkcs11.CKM_AES_KEY_WRAP_PAD, WrapKWP, "AES_KEY_WRAP_PAD")
}

func registerKeyWrapMechanism(reg *mechanism.Registry, id uint, mode WrapMode, name string) {
	reg.Add(id, &mechanism.Descriptor{
		Name: name,
		Info: info(mechanism.Wrap | mechanism.Unwrap),
		NewWrap: func(factory object.Factory, wrappingKey, key *object.Object, params mechanism.Params) ([]byte, error) {
			return Wrap(factory, wrappingKey, key, mode, nil)
		},
		NewUnwrap: func(factory object.SecretKeyFactory, wrappingKey *object.Object, wrapped []byte, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			return Unwrap(factory, wrappingKey, wrapped, mode, nil, template)
		},
	})
}

func registerStreamMechanism(reg *mechanism.Registry, id uint, name string,
	newEnc, newDec func(key *object.Object, iv []byte) (*streamOperation, error)) {
	reg.Add(id, &mechanism.Descriptor{
		Name: name,
		Info: info(mechanism.Encrypt | mechanism.Decrypt),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			iv, err := asIVBytes(params)
			if err != nil {
				return nil, err
			}
			return newEnc(key, iv)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			iv, err := asIVBytes(params)
			if err != nil {
				return nil, err
			}
			return newDec(key, iv)
		},
	})
}

func registerBlockMechanism(reg *mechanism.Registry, id uint, mode blockMode, name string) {
	reg.Add(id, &mechanism.Descriptor{
		Name: name,
		Info: info(mechanism.Encrypt | mechanism.Decrypt | mechanism.Wrap | mechanism.Unwrap),
		NewEncryption: func(key *object.Object, params mechanism.Params) (mechanism.Encryptor, error) {
			iv, err := asOptionalIV(mode, params)
			if err != nil {
				return nil, err
			}
			return NewEncryption(mode, key, iv)
		},
		NewDecryption: func(key *object.Object, params mechanism.Params) (mechanism.Decryptor, error) {
			iv, err := asOptionalIV(mode, params)
			if err != nil {
				return nil, err
			}
			return NewDecryption(mode, key, iv)
		},
		NewWrap: func(factory object.Factory, wrappingKey, key *object.Object, params mechanism.Params) ([]byte, error) {
			iv, err := asOptionalIV(mode, params)
			if err != nil {
				return nil, err
			}
			return Wrap(factory, wrappingKey, key, WrapMode(mode), iv)
		},
		NewUnwrap: func(factory object.SecretKeyFactory, wrappingKey *object.Object, wrapped []byte, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			iv, err := asOptionalIV(mode, params)
			if err != nil {
				return nil, err
			}
			return Unwrap(factory, wrappingKey, wrapped, WrapMode(mode), iv, template)
		},
	})
}

func registerMACMechanism(reg *mechanism.Registry, id uint, cmacFamily, general bool, name string) {
	// The non-general variants take no parameter and emit a fixed-length
	// MAC: the full block for CMAC, half a block for the legacy CBC-MAC.
	fixedLen := uint(stdaes.BlockSize)
	if !cmacFamily {
		fixedLen = stdaes.BlockSize / 2
	}
	resolveLen := func(params mechanism.Params) (uint, error) {
		if !general {
			if params != nil {
				return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "mechanism takes no parameter")
			}
			return fixedLen, nil
		}
		return asMACLen(params)
	}
	reg.Add(id, &mechanism.Descriptor{
		Name: name,
		Info: info(mechanism.Sign | mechanism.Verify),
		NewSign: func(key *object.Object, params mechanism.Params) (mechanism.Signer, error) {
			macLen, err := resolveLen(params)
			if err != nil {
				return nil, err
			}
			if cmacFamily {
				return NewCMACSign(key, macLen)
			}
			return NewLegacyMACSign(key, macLen)
		},
		NewVerify: func(key *object.Object, params mechanism.Params) (mechanism.Verifier, error) {
			macLen, err := resolveLen(params)
			if err != nil {
				return nil, err
			}
			var op *macOperation
			if cmacFamily {
				op, err = NewCMACVerify(key, macLen)
			} else {
				op, err = NewLegacyMACVerify(key, macLen)
			}
			if err != nil {
				return nil, err
			}
			return verifyAdapter{op}, nil
		},
	})
}

// verifyAdapter turns macOperation's Update/VerifyFinal pair into the
// mechanism.Verifier shape (Update/Final(signature)).
type verifyAdapter struct{ op *macOperation }

func (v verifyAdapter) Update(data []byte) error     { return v.op.Update(data) }
func (v verifyAdapter) Final(signature []byte) error { return v.op.VerifyFinal(signature) }

func asOptionalIV(mode blockMode, params mechanism.Params) (*[stdaes.BlockSize]byte, error) {
	if mode == modeECB {
		return nil, nil
	}
	p, err := asCBCParams(params)
	if err != nil {
		return nil, err
	}
	return &p.IV, nil
}

func asCBCParams(params mechanism.Params) (CBCParams, error) {
	p, ok := params.(CBCParams)
	if !ok {
		return CBCParams{}, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected a 16-byte IV parameter")
	}
	return p, nil
}

func asCTRParams(params mechanism.Params) (CTRParams, error) {
	p, ok := params.(CTRParams)
	if !ok {
		return CTRParams{}, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_AES_CTR_PARAMS")
	}
	return p, nil
}

func asIVBytes(params mechanism.Params) ([]byte, error) {
	p, ok := params.([]byte)
	if !ok || len(p) != stdaes.BlockSize {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected a 16-byte IV")
	}
	return p, nil
}

func asGCMParams(params mechanism.Params) (GCMParams, error) {
	p, ok := params.(GCMParams)
	if !ok {
		return GCMParams{}, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_GCM_PARAMS")
	}
	return p, nil
}

func asCCMParams(params mechanism.Params) (CCMParams, error) {
	p, ok := params.(CCMParams)
	if !ok {
		return CCMParams{}, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_CCM_PARAMS")
	}
	return p, nil
}

func asMACLen(params mechanism.Params) (uint, error) {
	p, ok := params.(MACGeneralParams)
	if !ok {
		return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected CK_MAC_GENERAL_PARAMS")
	}
	if p.MACLen == 0 {
		return 0, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "ulMacLength must be non-zero")
	}
	return p.MACLen, nil
}
