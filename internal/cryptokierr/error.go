// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package cryptokierr carries Cryptoki return codes (CK_RV) through the
// core's Go error values.
package cryptokierr

import (
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"
)

// Error pairs a Cryptoki return code with the Go error that caused it, if
// any. It is returned by every fallible core operation in place of a raw
// CK_RV so that callers can both chain (%w) and recover the code with RV.
type Error struct {
	Code  uint
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.msg, pkcs11.Error(e.Code), e.cause)
	}
	return fmt.Sprintf("%s: %s", e.msg, pkcs11.Error(e.Code))
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error carrying code, with msg as context and no wrapped
// cause.
func New(code uint, msg string) error {
	return &Error{Code: code, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting for msg.
func Newf(code uint, format string, args ...any) error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying code, with msg as context, wrapping cause.
func Wrap(code uint, cause error, msg string) error {
	return &Error{Code: code, msg: msg, cause: cause}
}

// RV extracts the CK_RV carried by err, or CKR_GENERAL_ERROR if err does not
// wrap a *Error.
func RV(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return pkcs11.CKR_GENERAL_ERROR
}

// Is reports whether err carries the given CK_RV.
func Is(err error, code uint) bool {
	return RV(err) == code
}
