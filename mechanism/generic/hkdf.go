// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package generic

import (
	"hash"
	"io"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/hkdf"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/object"
)

// HKDFParams mirrors CK_HKDF_PARAMS: which RFC 5869 steps to run, the PRF's
// hash, and the salt source. SaltKey is the already-resolved key object (the
// core operates on handles only up to the caller's session layer; by the
// time a Params value reaches Derive, any CK_OBJECT_HANDLE has already been
// turned into an *object.Object).
type HKDFParams struct {
	Hash     uint
	Extract  bool
	Expand   bool
	SaltType uint
	Salt     []byte
	SaltKey  *object.Object
	Info     []byte
}

func validateHKDFParams(p HKDFParams) error {
	if !p.Extract && !p.Expand {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "HKDF params must set Extract, Expand, or both")
	}
	switch p.SaltType {
	case ck.CKF_HKDF_SALT_NULL, ck.CKF_HKDF_SALT_DATA, ck.CKF_HKDF_SALT_KEY:
	default:
		return cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "unknown HKDF salt type")
	}
	if p.SaltType == ck.CKF_HKDF_SALT_KEY && p.SaltKey == nil {
		return cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "HKDF salt type KEY requires a salt key")
	}
	return nil
}

func resolveSalt(p HKDFParams, h func() hash.Hash) ([]byte, error) {
	switch p.SaltType {
	case ck.CKF_HKDF_SALT_NULL:
		return make([]byte, h().Size()), nil
	case ck.CKF_HKDF_SALT_DATA:
		return p.Salt, nil
	case ck.CKF_HKDF_SALT_KEY:
		a, ok := p.SaltKey.Attr(pkcs11.CKA_VALUE)
		if !ok {
			return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "HKDF salt key has no VALUE")
		}
		return attribute.ToBytes(a)
	default:
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "unknown HKDF salt type")
	}
}

// derivedLength resolves how many output bytes the derived key needs from
// an explicit CKA_VALUE_LEN in the template. Without one it fails with
// TEMPLATE_INCOMPLETE for every target key type, CKK_AES included; no
// length is inferred from the target class.
func derivedLength(template []attribute.Attribute, class, keyType uint64) (int, error) {
	for _, a := range template {
		if a.ID == pkcs11.CKA_VALUE_LEN {
			v, err := attribute.ToUlong(a)
			if err != nil {
				return 0, err
			}
			return int(v), nil
		}
	}
	if class == uint64(pkcs11.CKO_SECRET_KEY) && keyType == pkcs11.CKK_AES {
		return 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "AES-targeted HKDF derive requires CKA_VALUE_LEN")
	}
	return 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "HKDF derive requires CKA_VALUE_LEN")
}

func resolveTargetKeyType(template []attribute.Attribute) (class, keyType uint64) {
	class, keyType = uint64(pkcs11.CKO_SECRET_KEY), pkcs11.CKK_GENERIC_SECRET
	for _, a := range template {
		switch a.ID {
		case pkcs11.CKA_CLASS:
			if v, err := attribute.ToUlong(a); err == nil {
				class = v
			}
		case pkcs11.CKA_KEY_TYPE:
			if v, err := attribute.ToUlong(a); err == nil {
				keyType = v
			}
		}
	}
	return class, keyType
}

// Derive implements CKM_HKDF_DERIVE over RFC 5869's extract/expand steps
// via golang.org/x/crypto/hkdf: Extract-only yields an intermediate
// pseudorandom key (a generic secret), Expand-only consumes one, and
// Extract+Expand performs both steps against baseKey in a single call.
func Derive(reg *object.Registry, baseKey *object.Object, p HKDFParams, template []attribute.Attribute) (*object.Object, error) {
	var sm mechanism.StateMachine
	if err := sm.CheckActive(); err != nil {
		return nil, err
	}
	defer sm.Cancel()

	if err := checkDeriveKeyOps(baseKey); err != nil {
		return nil, err
	}
	if err := validateHKDFParams(p); err != nil {
		return nil, err
	}
	hashFn, err := hashCtorFor(p.Hash)
	if err != nil {
		return nil, err
	}

	secretAttr, ok := baseKey.Attr(pkcs11.CKA_VALUE)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "HKDF base key has no VALUE")
	}
	secret, err := attribute.ToBytes(secretAttr)
	if err != nil {
		return nil, err
	}

	salt, err := resolveSalt(p, hashFn)
	if err != nil {
		return nil, err
	}

	class, keyType := resolveTargetKeyType(template)

	var material []byte
	switch {
	case p.Extract && p.Expand:
		n, err := derivedLength(template, class, keyType)
		if err != nil {
			return nil, err
		}
		material = make([]byte, n)
		r := hkdf.New(hashFn, secret, salt, p.Info)
		if _, err := io.ReadFull(r, material); err != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_FUNCTION_FAILED, err, "HKDF expand")
		}
	case p.Extract:
		material = hkdf.Extract(hashFn, secret, salt)
	default: // Expand only: baseKey's VALUE is already a PRK.
		n, err := derivedLength(template, class, keyType)
		if err != nil {
			return nil, err
		}
		material = make([]byte, n)
		r := hkdf.Expand(hashFn, secret, p.Info)
		if _, err := io.ReadFull(r, material); err != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_FUNCTION_FAILED, err, "HKDF expand")
		}
	}

	factory, err := reg.FactoryFor(class, keyType)
	if err != nil {
		return nil, err
	}
	secretFactory, ok := factory.(object.SecretKeyFactory)
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCONSISTENT, "derived key class does not support HKDF derive")
	}
	derived, err := secretFactory.ImportFromWrapped(material, template)
	if err != nil {
		return nil, err
	}
	derived.SetAttr(attribute.FromBool(pkcs11.CKA_LOCAL, true))

	if err := sm.Finish(); err != nil {
		return nil, err
	}
	return derived, nil
}

func checkDeriveKeyOps(key *object.Object) error {
	class, err := key.Class()
	if err != nil {
		return err
	}
	if class != uint64(pkcs11.CKO_SECRET_KEY) {
		return cryptokierr.New(pkcs11.CKR_KEY_TYPE_INCONSISTENT, "HKDF base key must be a secret key")
	}
	a, ok := key.Attr(pkcs11.CKA_DERIVE)
	if !ok {
		return cryptokierr.New(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, "key has no DERIVE flag")
	}
	allowed, err := attribute.ToBool(a)
	if err != nil {
		return err
	}
	if !allowed {
		return cryptokierr.New(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, "key does not permit DERIVE")
	}
	return nil
}

// hashCtorFor adapts newHash's (hash.Hash, error) lookup into the
// func() hash.Hash constructor golang.org/x/crypto/hkdf expects, checking
// id is supported once up front so the returned constructor itself never
// fails.
func hashCtorFor(id uint) (func() hash.Hash, error) {
	if _, err := newHash(id); err != nil {
		return nil, err
	}
	return func() hash.Hash {
		h, _ := newHash(id)
		return h
	}, nil
}

func registerHKDF(reg *mechanism.Registry) {
	reg.Add(ck.CKM_HKDF_DERIVE, &mechanism.Descriptor{
		Name: "HKDF_DERIVE",
		Info: mechanism.Info{Flags: mechanism.Derive},
		NewDerive: func(reg *object.Registry, key *object.Object, params mechanism.Params, template []attribute.Attribute) (*object.Object, error) {
			p, ok := params.(HKDFParams)
			if !ok {
				return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_PARAM_INVALID, "expected HKDFParams")
			}
			return Derive(reg, key, p, template)
		},
	})
}
