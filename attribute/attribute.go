// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package attribute implements the Cryptoki attribute layer: a
// tagged-value representation of CK_ATTRIBUTE with type-safe accessors,
// JSON round-tripping, and template-match equality.
//
// Attribute ids and their kinds follow github.com/miekg/pkcs11's CKA_*
// constants.
package attribute

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
)

// Kind identifies the wire representation of an Attribute's value.
type Kind int

const (
	// Bool is a single byte, 0x00 or 0x01.
	Bool Kind = iota
	// Num is a machine CK_ULONG, little-endian, sizeof(Num) == wordSize.
	Num
	// Bytes is an opaque byte string.
	Bytes
	// String is a UTF-8 byte string.
	String
	// Date is an 8-byte "YYYYMMDD" ASCII string, per CK_DATE.
	Date
	// DenyList marks attribute ids that may never be set by a caller
	// template (vendor/reserved ids); reads and writes both fail.
	DenyList
)

// wordSize is the width of a CK_ULONG as encoded on the wire. PKCS#11
// itself ties this to the platform; the core always encodes as 8 bytes so
// that JSON/storage encodings are platform-independent.
const wordSize = 8

// Attribute is a single (id, typed value) pair, wire-encoded.
type Attribute struct {
	ID    uint
	Kind  Kind
	Value []byte
}

// schema maps known CKA_* ids to their Kind. Ids absent from this table are
// treated as Bytes by default, which keeps Create from rejecting
// forward-compatible vendor attributes outright while still making them
// opaque.
var schema = map[uint]Kind{
	pkcs11.CKA_CLASS:              Num,
	pkcs11.CKA_TOKEN:              Bool,
	pkcs11.CKA_PRIVATE:            Bool,
	pkcs11.CKA_MODIFIABLE:         Bool,
	pkcs11.CKA_COPYABLE:           Bool,
	pkcs11.CKA_DESTROYABLE:        Bool,
	pkcs11.CKA_LABEL:              String,
	ck.CKA_UNIQUE_ID:          String,
	pkcs11.CKA_KEY_TYPE:           Num,
	pkcs11.CKA_ID:                 Bytes,
	pkcs11.CKA_START_DATE:         Date,
	pkcs11.CKA_END_DATE:           Date,
	pkcs11.CKA_DERIVE:             Bool,
	pkcs11.CKA_LOCAL:              Bool,
	pkcs11.CKA_KEY_GEN_MECHANISM:  Num,
	pkcs11.CKA_ALLOWED_MECHANISMS: DenyList,
	pkcs11.CKA_SENSITIVE:          Bool,
	pkcs11.CKA_ENCRYPT:            Bool,
	pkcs11.CKA_DECRYPT:            Bool,
	pkcs11.CKA_WRAP:               Bool,
	pkcs11.CKA_UNWRAP:             Bool,
	pkcs11.CKA_SIGN:               Bool,
	pkcs11.CKA_SIGN_RECOVER:       Bool,
	pkcs11.CKA_VERIFY:             Bool,
	pkcs11.CKA_VERIFY_RECOVER:     Bool,
	pkcs11.CKA_EXTRACTABLE:        Bool,
	pkcs11.CKA_ALWAYS_SENSITIVE:   Bool,
	pkcs11.CKA_NEVER_EXTRACTABLE:  Bool,
	pkcs11.CKA_WRAP_WITH_TRUSTED:  Bool,
	pkcs11.CKA_TRUSTED:            Bool,
	pkcs11.CKA_WRAP_TEMPLATE:      DenyList,
	pkcs11.CKA_UNWRAP_TEMPLATE:    DenyList,
	pkcs11.CKA_VALUE:              Bytes,
	pkcs11.CKA_VALUE_LEN:          Num,
	pkcs11.CKA_APPLICATION:        String,
	pkcs11.CKA_OBJECT_ID:          Bytes,
	pkcs11.CKA_MODULUS:            Bytes,
	pkcs11.CKA_MODULUS_BITS:       Num,
	pkcs11.CKA_PUBLIC_EXPONENT:    Bytes,
	pkcs11.CKA_PRIVATE_EXPONENT:   Bytes,
	pkcs11.CKA_PRIME_1:            Bytes,
	pkcs11.CKA_PRIME_2:            Bytes,
	pkcs11.CKA_EXPONENT_1:         Bytes,
	pkcs11.CKA_EXPONENT_2:         Bytes,
	pkcs11.CKA_COEFFICIENT:        Bytes,
	pkcs11.CKA_EC_PARAMS:          Bytes,
	pkcs11.CKA_EC_POINT:           Bytes,
	pkcs11.CKA_PRIME:              Bytes,
	pkcs11.CKA_SUBPRIME:           Bytes,
	pkcs11.CKA_BASE:               Bytes,
	pkcs11.CKA_VALUE_BITS:         Num,
	pkcs11.CKA_CERTIFICATE_TYPE:   Num,
	pkcs11.CKA_SUBJECT:            Bytes,
	pkcs11.CKA_ISSUER:             Bytes,
	pkcs11.CKA_SERIAL_NUMBER:      Bytes,
}

// nameToID and idToName back the JSON codec. Only ids we actually support
// in the schema (plus their canonical Cryptoki name) are registered.
var nameToID = map[string]uint{
	"CLASS":             pkcs11.CKA_CLASS,
	"TOKEN":             pkcs11.CKA_TOKEN,
	"PRIVATE":           pkcs11.CKA_PRIVATE,
	"MODIFIABLE":        pkcs11.CKA_MODIFIABLE,
	"COPYABLE":          pkcs11.CKA_COPYABLE,
	"DESTROYABLE":       pkcs11.CKA_DESTROYABLE,
	"LABEL":             pkcs11.CKA_LABEL,
	"UNIQUE_ID":         ck.CKA_UNIQUE_ID,
	"KEY_TYPE":          pkcs11.CKA_KEY_TYPE,
	"ID":                pkcs11.CKA_ID,
	"START_DATE":        pkcs11.CKA_START_DATE,
	"END_DATE":          pkcs11.CKA_END_DATE,
	"DERIVE":            pkcs11.CKA_DERIVE,
	"LOCAL":             pkcs11.CKA_LOCAL,
	"SENSITIVE":         pkcs11.CKA_SENSITIVE,
	"ENCRYPT":           pkcs11.CKA_ENCRYPT,
	"DECRYPT":           pkcs11.CKA_DECRYPT,
	"WRAP":              pkcs11.CKA_WRAP,
	"UNWRAP":            pkcs11.CKA_UNWRAP,
	"SIGN":              pkcs11.CKA_SIGN,
	"VERIFY":            pkcs11.CKA_VERIFY,
	"EXTRACTABLE":       pkcs11.CKA_EXTRACTABLE,
	"ALWAYS_SENSITIVE":  pkcs11.CKA_ALWAYS_SENSITIVE,
	"NEVER_EXTRACTABLE": pkcs11.CKA_NEVER_EXTRACTABLE,
	"VALUE":             pkcs11.CKA_VALUE,
	"VALUE_LEN":         pkcs11.CKA_VALUE_LEN,
	"APPLICATION":       pkcs11.CKA_APPLICATION,
	"OBJECT_ID":         pkcs11.CKA_OBJECT_ID,
	"MODULUS":           pkcs11.CKA_MODULUS,
	"MODULUS_BITS":      pkcs11.CKA_MODULUS_BITS,
	"PUBLIC_EXPONENT":   pkcs11.CKA_PUBLIC_EXPONENT,
	"PRIVATE_EXPONENT":  pkcs11.CKA_PRIVATE_EXPONENT,
	"PRIME_1":           pkcs11.CKA_PRIME_1,
	"PRIME_2":           pkcs11.CKA_PRIME_2,
	"EXPONENT_1":        pkcs11.CKA_EXPONENT_1,
	"EXPONENT_2":        pkcs11.CKA_EXPONENT_2,
	"COEFFICIENT":       pkcs11.CKA_COEFFICIENT,
	"EC_PARAMS":         pkcs11.CKA_EC_PARAMS,
	"EC_POINT":          pkcs11.CKA_EC_POINT,
	"VALUE_BITS":        pkcs11.CKA_VALUE_BITS,
}

var idToName map[uint]string

func init() {
	idToName = make(map[uint]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
}

// KindOf returns the schema Kind for id, defaulting to Bytes for ids the
// core does not specifically recognize.
func KindOf(id uint) Kind {
	if k, ok := schema[id]; ok {
		return k
	}
	return Bytes
}

// FromBool builds a Bool-kinded Attribute.
func FromBool(id uint, v bool) Attribute {
	b := byte(0)
	if v {
		b = 1
	}
	return Attribute{ID: id, Kind: Bool, Value: []byte{b}}
}

// FromUlong builds a Num-kinded Attribute.
func FromUlong(id uint, v uint64) Attribute {
	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint64(buf, v)
	return Attribute{ID: id, Kind: Num, Value: buf}
}

// FromBytes builds a Bytes-kinded Attribute. The slice is copied.
func FromBytes(id uint, v []byte) Attribute {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Attribute{ID: id, Kind: Bytes, Value: cp}
}

// FromString builds a String-kinded Attribute.
func FromString(id uint, v string) Attribute {
	return Attribute{ID: id, Kind: String, Value: []byte(v)}
}

// FromDate builds a Date-kinded Attribute from a CK_DATE-style YYYYMMDD
// string. It is not validated beyond length; callers that need calendar
// validity should check before calling.
func FromDate(id uint, yyyymmdd string) (Attribute, error) {
	if len(yyyymmdd) != 8 {
		return Attribute{}, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "CK_DATE must be 8 digits")
	}
	return Attribute{ID: id, Kind: Date, Value: []byte(yyyymmdd)}, nil
}

// ToBool decodes a Bool-kinded Attribute.
func ToBool(a Attribute) (bool, error) {
	if a.Kind != Bool {
		return false, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute is not boolean")
	}
	if len(a.Value) != 1 {
		return false, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "boolean attribute has wrong length")
	}
	return a.Value[0] != 0, nil
}

// ToUlong decodes a Num-kinded Attribute.
func ToUlong(a Attribute) (uint64, error) {
	if a.Kind != Num {
		return 0, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute is not numeric")
	}
	if len(a.Value) != wordSize {
		return 0, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "numeric attribute has wrong length")
	}
	return binary.LittleEndian.Uint64(a.Value), nil
}

// ToBytes decodes a Bytes-kinded Attribute.
func ToBytes(a Attribute) ([]byte, error) {
	if a.Kind != Bytes {
		return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute is not a byte string")
	}
	return a.Value, nil
}

// ToString decodes a String-kinded Attribute.
func ToString(a Attribute) (string, error) {
	if a.Kind != String {
		return "", cryptokierr.New(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute is not a string")
	}
	return string(a.Value), nil
}

// MatchCKAttr reports whether a matches an incoming template entry:
// ids must be equal and the bytes must compare exactly equal.
func MatchCKAttr(a Attribute, id uint, value []byte) bool {
	if a.ID != id {
		return false
	}
	if len(a.Value) != len(value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != value[i] {
			return false
		}
	}
	return true
}

// jsonName returns the canonical JSON field name for an attribute id, or
// the numeric id in "0x..." form if unknown.
func jsonName(id uint) string {
	if n, ok := idToName[id]; ok {
		return n
	}
	return fmt.Sprintf("0x%08x", id)
}

// JSONValue encodes a's value the way the admin JSON export does: bool ->
// JSON bool, Num -> decimal string, Bytes -> base64, String -> JSON
// string, Date -> JSON string.
func JSONValue(a Attribute) (any, error) {
	switch a.Kind {
	case Bool:
		v, err := ToBool(a)
		if err != nil {
			return nil, err
		}
		return v, nil
	case Num:
		v, err := ToUlong(a)
		if err != nil {
			return nil, err
		}
		return strconv.FormatUint(v, 10), nil
	case Bytes:
		return base64.StdEncoding.EncodeToString(a.Value), nil
	case String, Date:
		return string(a.Value), nil
	default:
		return nil, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID, "attribute kind has no JSON encoding")
	}
}

// JSONName returns the canonical name used as the JSON object key for id.
func JSONName(id uint) string {
	return jsonName(id)
}

// FromValue builds an Attribute from a JSON field name and decoded JSON
// value (as produced by encoding/json's default decoding into any).
// Unknown names return ok == false so the caller can silently drop them,
// the way the admin importer does.
func FromValue(name string, value any) (a Attribute, ok bool, err error) {
	id, known := nameToID[name]
	if !known {
		return Attribute{}, false, nil
	}
	kind := KindOf(id)
	switch kind {
	case Bool:
		b, isBool := value.(bool)
		if !isBool {
			return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "expected JSON bool for "+name)
		}
		return FromBool(id, b), true, nil
	case Num:
		s, isStr := value.(string)
		if !isStr {
			return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "expected decimal string for "+name)
		}
		n, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			return Attribute{}, true, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, perr, "decoding numeric attribute "+name)
		}
		return FromUlong(id, n), true, nil
	case Bytes:
		s, isStr := value.(string)
		if !isStr {
			return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "expected base64 string for "+name)
		}
		raw, derr := base64.StdEncoding.DecodeString(s)
		if derr != nil {
			return Attribute{}, true, cryptokierr.Wrap(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, derr, "decoding base64 attribute "+name)
		}
		return FromBytes(id, raw), true, nil
	case String:
		s, isStr := value.(string)
		if !isStr {
			return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "expected JSON string for "+name)
		}
		return FromString(id, s), true, nil
	case Date:
		s, isStr := value.(string)
		if !isStr {
			return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "expected JSON string for "+name)
		}
		d, derr := FromDate(id, s)
		if derr != nil {
			return Attribute{}, true, derr
		}
		return d, true, nil
	default:
		return Attribute{}, true, cryptokierr.New(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "unsupported attribute kind for "+name)
	}
}
