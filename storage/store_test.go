// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"path/filepath"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/object"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenFresh(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("OpenFresh: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tokenDataObject(handle uint64, uid, value string) *object.Object {
	obj := object.New(handle)
	obj.SetAttr(attribute.FromString(ck.CKA_UNIQUE_ID, uid))
	obj.SetAttr(attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_DATA)))
	obj.SetAttr(attribute.FromBool(pkcs11.CKA_TOKEN, true))
	obj.SetAttr(attribute.FromBytes(pkcs11.CKA_VALUE, []byte(value)))
	return obj
}

func TestStoreFetchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	obj := tokenDataObject(1, "uid-1", "hello")

	if err := s.Store("uid-1", obj); err != nil {
		t.Fatalf("Store: %s", err)
	}

	fetched, err := s.FetchByUID("uid-1")
	if err != nil {
		t.Fatalf("FetchByUID: %s", err)
	}
	a, ok := fetched.Attr(pkcs11.CKA_VALUE)
	if !ok || string(a.Value) != "hello" {
		t.Fatalf("got %+v, want VALUE=hello", a)
	}
}

func TestSearchMatchesByTemplate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Store("uid-a", tokenDataObject(1, "uid-a", "a")); err != nil {
		t.Fatalf("Store: %s", err)
	}
	if err := s.Store("uid-b", tokenDataObject(2, "uid-b", "b")); err != nil {
		t.Fatalf("Store: %s", err)
	}

	matches, err := s.Search([]attribute.Attribute{
		attribute.FromBytes(pkcs11.CKA_VALUE, []byte("a")),
	})
	if err != nil {
		t.Fatalf("Search: %s", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1: %v", len(matches), matches)
	}
	uid, err := matches[0].UID()
	if err != nil || uid != "uid-a" {
		t.Fatalf("got uid %q, err %v; want uid-a", uid, err)
	}
}

func TestRemoveByUIDDeletesTokenRows(t *testing.T) {
	s := newTestStore(t)
	if err := s.Store("uid-1", tokenDataObject(1, "uid-1", "hello")); err != nil {
		t.Fatalf("Store: %s", err)
	}
	if err := s.RemoveByUID("uid-1"); err != nil {
		t.Fatalf("RemoveByUID: %s", err)
	}
	if _, err := s.FetchByUID("uid-1"); err == nil {
		t.Fatal("expected FetchByUID to fail after RemoveByUID")
	}
}

func TestNonTokenObjectIsCachedButNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenFresh(path)
	if err != nil {
		t.Fatalf("OpenFresh: %s", err)
	}
	t.Cleanup(func() { s.Close() })

	obj := object.New(1)
	obj.SetAttr(attribute.FromString(ck.CKA_UNIQUE_ID, "uid-session"))
	obj.SetAttr(attribute.FromUlong(pkcs11.CKA_CLASS, uint64(pkcs11.CKO_DATA)))
	obj.SetAttr(attribute.FromBool(pkcs11.CKA_TOKEN, false))
	obj.SetAttr(attribute.FromBytes(pkcs11.CKA_VALUE, []byte("ephemeral")))

	if err := s.Store("uid-session", obj); err != nil {
		t.Fatalf("Store: %s", err)
	}

	matches, err := s.Search([]attribute.Attribute{
		attribute.FromBytes(pkcs11.CKA_VALUE, []byte("ephemeral")),
	})
	if err != nil {
		t.Fatalf("Search: %s", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected the session-scoped object to be visible via this store's cache, got %d matches", len(matches))
	}

	// A freshly opened Store over the same file has no in-memory cache, so
	// the never-persisted session object must not reappear.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer reopened.Close()

	matches, err = reopened.Search(nil)
	if err != nil {
		t.Fatalf("Search: %s", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no durable rows for a non-token object, found %d", len(matches))
	}
}
