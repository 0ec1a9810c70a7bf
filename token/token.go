// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package token wires the object-factory registry, mechanism registry,
// and storage layer into a thin session-facing surface: handle
// allocation, session bookkeeping, and dispatch from a (mechanism id,
// key handle) pair to the right operation constructor. It does not
// attempt a C ABI function table; a cgo shim layered above it would.
package token

import (
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/internal/logger"
	"github.com/nsec/pk11token/mechanism"
	"github.com/nsec/pk11token/mechanism/aes"
	"github.com/nsec/pk11token/mechanism/ecdsa"
	"github.com/nsec/pk11token/mechanism/generic"
	"github.com/nsec/pk11token/mechanism/rsa"
	"github.com/nsec/pk11token/object"
	"github.com/nsec/pk11token/storage"
)

// Token owns the two process-wide registries (object factories and
// mechanisms) plus the storage connection, and allocates the object
// handles and session handles that sit above them.
type Token struct {
	store      *storage.Store
	factories  *object.Registry
	mechanisms *mechanism.Registry
	log        *logger.Logger

	mu         sync.Mutex
	nextHandle uint64
	nextSess   uint64
	sessions   map[uint64]*Session
}

// New opens (or initializes) the token's storage file at path and builds
// the factory and mechanism registries once; both are read-only after
// this returns. Logging defaults to console-only at LogLevelInfo;
// SetLogger replaces it.
func New(path string) (*Token, error) {
	store, err := storage.OpenFresh(path)
	if err != nil {
		return nil, err
	}
	return newWithStore(store), nil
}

// Open opens an already-initialized token's storage file, failing with
// CRYPTOKI_NOT_INITIALIZED if it has never been reinit'd.
func Open(path string) (*Token, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return newWithStore(store), nil
}

func newWithStore(store *storage.Store) *Token {
	factories := object.NewRegistry()
	object.RegisterFactories(factories)

	mechanisms := mechanism.NewRegistry()
	aes.Register(mechanisms)
	generic.Register(mechanisms)
	rsa.Register(mechanisms)
	ecdsa.Register(mechanisms)

	return &Token{
		store:      store,
		factories:  factories,
		mechanisms: mechanisms,
		log:        logger.New(logger.LogLevelInfo),
		sessions:   make(map[uint64]*Session),
	}
}

// SetLogger replaces the token's logger, letting a caller (the admin CLI's
// -log-file flag) redirect object/session lifecycle events to a file.
func (t *Token) SetLogger(l *logger.Logger) { t.log = l }

func (t *Token) allocHandle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	return t.nextHandle
}

// OpenSession allocates a new session handle. Objects are owned by their
// enclosing session; handles are only resolvable by the session that
// created or found them.
func (t *Token) OpenSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSess++
	s := &Session{
		token:   t,
		handle:  t.nextSess,
		objects: make(map[uint64]*object.Object),
		ops:     make(map[opKind]any),
	}
	t.sessions[s.handle] = s
	t.log.Debug("opened session %d", s.handle)
	return s
}

// CloseSession finalizes every in-flight operation and zeroizes every
// session-scoped object owned by sessHandle.
func (t *Token) CloseSession(sessHandle uint64) error {
	t.mu.Lock()
	s, ok := t.sessions[sessHandle]
	if ok {
		delete(t.sessions, sessHandle)
	}
	t.mu.Unlock()
	if !ok {
		return cryptokierr.New(pkcs11.CKR_SESSION_HANDLE_INVALID, "no such session")
	}
	s.close()
	t.log.Debug("closed session %d", sessHandle)
	return nil
}

// Flush persists every modified token-resident object in the cache.
func (t *Token) Flush() error {
	return t.store.Flush()
}

// Close releases the underlying storage connection. Callers should Flush
// first if they want modified token-resident objects durable.
func (t *Token) Close() error {
	return t.store.Close()
}

// Factories exposes the object-factory registry, for callers (the admin
// CLI's JSON importer) that build objects directly rather than through a
// session's CreateObject.
func (t *Token) Factories() *object.Registry { return t.factories }

// Store exposes the storage layer directly, for callers (the admin CLI)
// that need to list or seed token-resident objects without a session.
func (t *Token) Store() *storage.Store { return t.store }

func classKeyTypeOf(template []attribute.Attribute) (class, keyType uint64, err error) {
	keyType = object.NoKeyType
	haveClass := false
	for _, a := range template {
		switch a.ID {
		case pkcs11.CKA_CLASS:
			v, e := attribute.ToUlong(a)
			if e != nil {
				return 0, 0, e
			}
			class, haveClass = v, true
		case pkcs11.CKA_KEY_TYPE:
			v, e := attribute.ToUlong(a)
			if e != nil {
				return 0, 0, e
			}
			keyType = v
		}
	}
	if !haveClass {
		return 0, 0, cryptokierr.New(pkcs11.CKR_TEMPLATE_INCOMPLETE, "template has no CLASS")
	}
	return class, keyType, nil
}
