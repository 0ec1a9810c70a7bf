// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package mechanism implements the mechanism registry and the common
// operation state machine every algorithm family's operations are built
// on top of. Concrete algorithm families (mechanism/aes,
// mechanism/generic) register their descriptors into a Registry built at
// process init and read-only thereafter.
package mechanism

import (
	"github.com/miekg/pkcs11"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

// Flag is a bitmask of operation kinds a mechanism descriptor supports.
type Flag uint

const (
	Encrypt Flag = 1 << iota
	Decrypt
	Sign
	Verify
	Digest
	Derive
	Wrap
	Unwrap
	Generate
)

// Has reports whether f includes every bit in want.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Info is a mechanism descriptor's capability advertisement.
type Info struct {
	MinKeySize uint
	MaxKeySize uint
	Flags      Flag
}

// Params is the caller-supplied mechanism parameter block (e.g.
// CK_GCM_PARAMS, CK_AES_CBC_ENCRYPT_DATA_PARAMS), opaque to the registry
// and interpreted only by the mechanism's own operation constructors.
type Params any

// State is the lifecycle of one operation instance.
type State int

const (
	Ready State = iota
	Active
	Finalized
)

// StateMachine is what every operation kind (Encryption, Decryption,
// Sign, Verify, Mac, Digest, Derive, KeyGen, Wrap, Unwrap) embeds to get
// for free: init -> update* -> final ordering,
// single-use enforcement, and cancel-on-error.
type StateMachine struct {
	state State
}

// CheckActive transitions Ready->Active on first call, or confirms the
// machine is already Active; any other state is OPERATION_NOT_INITIALIZED.
func (m *StateMachine) CheckActive() error {
	switch m.state {
	case Ready:
		m.state = Active
		return nil
	case Active:
		return nil
	default:
		return cryptokierr.New(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "operation is not active")
	}
}

// Finish transitions to Finalized and reports whether the caller was
// allowed to finish (i.e. the machine was Ready or Active beforehand).
// Any error from the operation itself, as well as a normal one-shot
// completion, ends in Finalized.
func (m *StateMachine) Finish() error {
	if m.state == Finalized {
		return cryptokierr.New(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "operation already finalized")
	}
	m.state = Finalized
	return nil
}

// Cancel forces Finalized regardless of current state, used when a
// session or caller aborts without calling a natural final step.
func (m *StateMachine) Cancel() { m.state = Finalized }

func (m *StateMachine) State() State { return m.state }

// Descriptor is what register_mechanisms installs per mechanism id: the
// capability Info plus one constructor function per operation kind it
// supports. Unsupported kinds carry a nil constructor; the token's
// Session entry points (EncryptInit, GenerateKey, UnwrapKey, ...) reject
// a nil constructor with MECHANISM_INVALID, matching a flags-mismatch.
type Descriptor struct {
	Name string
	Info Info

	NewEncryption func(key *object.Object, params Params) (Encryptor, error)
	NewDecryption func(key *object.Object, params Params) (Decryptor, error)
	NewSign       func(key *object.Object, params Params) (Signer, error)
	NewVerify     func(key *object.Object, params Params) (Verifier, error)
	NewDigest     func(params Params) (Digester, error)
	NewDerive     func(reg *object.Registry, key *object.Object, params Params, template []attribute.Attribute) (*object.Object, error)
	NewKeyGen     func(reg *object.Registry, params Params, template []attribute.Attribute) (*object.Object, error)
	NewWrap       func(factory object.Factory, wrappingKey, key *object.Object, params Params) ([]byte, error)
	NewUnwrap     func(factory object.SecretKeyFactory, wrappingKey *object.Object, wrapped []byte, params Params, template []attribute.Attribute) (*object.Object, error)
}

// Encryptor/Decryptor/Signer/Verifier/Digester are the operation-kind
// interfaces an algorithm's operation objects implement; each carries
// the StateMachine init -> update* -> final contract in its own
// update/final methods.
type Encryptor interface {
	Update(plaintext []byte) ([]byte, error)
	Final() ([]byte, error)
}

type Decryptor interface {
	Update(ciphertext []byte) ([]byte, error)
	Final() ([]byte, error)
}

type Signer interface {
	Update(data []byte) error
	Final() ([]byte, error)
}

type Verifier interface {
	Update(data []byte) error
	Final(signature []byte) error
}

type Digester interface {
	Update(data []byte) error
	Final() ([]byte, error)
}

// Registry maps mechanism ids to descriptors, built once at process init
// and read without locking thereafter (never mutated after token.New or
// token.Open returns).
type Registry struct {
	descriptors map[uint]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[uint]*Descriptor)}
}

// Add installs a descriptor under mechanism id m. Called only during
// registration (register_mechanisms-style setup); not safe for concurrent
// use with Get.
func (r *Registry) Add(m uint, d *Descriptor) {
	r.descriptors[m] = d
}

// Get resolves a mechanism id to its descriptor, or MECHANISM_INVALID.
func (r *Registry) Get(m uint) (*Descriptor, error) {
	d, ok := r.descriptors[m]
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_MECHANISM_INVALID, "unknown mechanism")
	}
	return d, nil
}

// CheckKeySize reports KEY_SIZE_RANGE if sizeBytes falls outside the
// descriptor's advertised [MinKeySize, MaxKeySize].
func (i Info) CheckKeySize(sizeBytes uint) error {
	if sizeBytes < i.MinKeySize || sizeBytes > i.MaxKeySize {
		return cryptokierr.New(pkcs11.CKR_KEY_SIZE_RANGE, "key size outside mechanism's supported range")
	}
	return nil
}
