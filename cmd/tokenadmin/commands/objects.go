// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/object"
)

// jsonObject is the on-disk shape for one exported/imported object: its
// attribute map keyed by canonical CKA_* name, as produced by
// attribute.JSONName/JSONValue. The handle is recorded for export
// readability only; handles are not stable identifiers, so import always
// assigns a fresh one.
type jsonObject struct {
	Handle     uint64         `json:"handle"`
	Attributes map[string]any `json:"attributes"`
}

func exportObject(s *State, handle uint64) (jsonObject, error) {
	ids, err := s.Sess.AttributeIDs(handle)
	if err != nil {
		return jsonObject{}, err
	}
	entries := make([]object.TemplateEntry, len(ids))
	for i, id := range ids {
		entries[i] = object.TemplateEntry{ID: id, Len: 1 << 30}
	}
	// FillTemplate's error, if any, only reports that some entries came
	// back sensitive or too-small; every other entry is still usable.
	results, _ := s.Sess.GetAttributeValue(handle, entries)
	attrs := make(map[string]any, len(results))
	for _, r := range results {
		if r.RV != pkcs11.CKR_OK {
			continue // sensitive or unavailable: silently omitted from export
		}
		a := attribute.Attribute{ID: r.ID, Kind: attribute.KindOf(r.ID), Value: r.Value}
		v, jerr := attribute.JSONValue(a)
		if jerr != nil {
			continue
		}
		attrs[attribute.JSONName(r.ID)] = v
	}
	return jsonObject{Handle: handle, Attributes: attrs}, nil
}

// importObject turns a decoded jsonObject back into a creation template,
// dropping UNIQUE_ID (Create assigns a fresh one and rejects a
// caller-supplied value outright) and, silently, any field whose name the
// attribute codec does not recognize.
func importObject(js jsonObject) ([]attribute.Attribute, error) {
	template := make([]attribute.Attribute, 0, len(js.Attributes))
	for name, v := range js.Attributes {
		if name == "UNIQUE_ID" {
			continue
		}
		a, ok, err := attribute.FromValue(name, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		template = append(template, a)
	}
	return template, nil
}

// objectCommands loads the object-lifecycle and import/export commands.
func (s *State) objectCommands() {
	s.Define(&Command{
		Name: "list",
		Help: "lists the handles of every object visible to this session",
		Args: []ArgTy{},

		Run: func(args []any, state *State) (any, error) {
			handles, err := state.Sess.FindObjects(nil)
			if err != nil {
				return nil, err
			}
			return handles, nil
		},
	})

	s.Define(&Command{
		Name:  "get",
		Usage: "<handle>",
		Help:  "prints every non-sensitive attribute of an object as JSON",
		Args:  []ArgTy{ArgHandle},

		Run: func(args []any, state *State) (any, error) {
			js, err := exportObject(state, args[0].(uint64))
			if err != nil {
				return nil, err
			}
			buf, err := json.MarshalIndent(js, "", "  ")
			if err != nil {
				return nil, err
			}
			return string(buf), nil
		},
	})

	s.Define(&Command{
		Name:  "destroy",
		Usage: "<handle>",
		Help:  "destroys an object, zeroizing its key material",
		Args:  []ArgTy{ArgHandle},

		Run: func(args []any, state *State) (any, error) {
			return nil, state.Sess.DestroyObject(args[0].(uint64))
		},
	})

	s.Define(&Command{
		Name:  "export",
		Usage: "<file>",
		Help:  "writes every object visible to this session to file as a JSON array",
		Args:  []ArgTy{ArgBytes},

		Run: func(args []any, state *State) (any, error) {
			handles, err := state.Sess.FindObjects(nil)
			if err != nil {
				return nil, err
			}
			objs := make([]jsonObject, 0, len(handles))
			for _, h := range handles {
				js, err := exportObject(state, h)
				if err != nil {
					return nil, err
				}
				objs = append(objs, js)
			}
			buf, err := json.MarshalIndent(objs, "", "  ")
			if err != nil {
				return nil, err
			}
			path := string(args[0].([]byte))
			if err := os.WriteFile(path, buf, 0600); err != nil {
				return nil, err
			}
			return fmt.Sprintf("wrote %d objects to %s", len(objs), path), nil
		},
	})

	s.Define(&Command{
		Name:  "import",
		Usage: "<file>",
		Help:  "creates an object for every entry in a JSON array file",
		Args:  []ArgTy{ArgBytes},

		Run: func(args []any, state *State) (any, error) {
			buf, err := os.ReadFile(string(args[0].([]byte)))
			if err != nil {
				return nil, err
			}
			var objs []jsonObject
			if err := json.Unmarshal(buf, &objs); err != nil {
				return nil, err
			}
			handles := make([]uint64, 0, len(objs))
			for _, js := range objs {
				template, err := importObject(js)
				if err != nil {
					return nil, err
				}
				h, err := state.Sess.CreateObject(template)
				if err != nil {
					return nil, err
				}
				handles = append(handles, h)
			}
			return handles, nil
		},
	})
}
