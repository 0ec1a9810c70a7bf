// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/miekg/pkcs11"
)

// DataFactory validates CKO_DATA objects: opaque application data, not a
// key.
type DataFactory struct {
	schema []SchemaEntry
}

// NewDataFactory builds the CKO_DATA factory.
func NewDataFactory() *DataFactory {
	schema := append([]SchemaEntry{}, CommonObjectAttrs()...)
	schema = append(schema, CommonStorageAttrs()...)
	schema = append(schema, SchemaEntry{ID: pkcs11.CKA_APPLICATION, Flags: RequiredOnCreate})
	schema = append(schema, SchemaEntry{ID: pkcs11.CKA_OBJECT_ID, Flags: 0})
	schema = append(schema, SchemaEntry{ID: pkcs11.CKA_VALUE, Flags: RequiredOnCreate})
	return &DataFactory{schema: schema}
}

func (f *DataFactory) Schema() []SchemaEntry { return f.schema }

func (f *DataFactory) Validate(obj *Object) error {
	return nil
}
