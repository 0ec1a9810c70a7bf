// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the commands tokenadmin's REPL can execute:
// a dispatch table of Command entries (argument shapes, help text, and a
// Run hook) driven against a token.Token/token.Session pair, plus the
// statement reader that feeds it.
package commands

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/nsec/pk11token/token"
)

// Stringify renders a command's return value for interactive display.
func Stringify(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return fmt.Sprintf("%x", v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case []uint64:
		parts := make([]string, len(v))
		for i, h := range v {
			parts[i] = strconv.FormatUint(h, 10)
		}
		return strings.Join(parts, " "), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("tokenadmin: no display form for %s", reflect.TypeOf(v))
	}
}

// ArgTy is a bitmask describing the acceptable shapes for one command
// argument.
type ArgTy int

const (
	ArgBytes ArgTy = 1 << iota
	ArgInt
	ArgHandle

	ArgOptional
	ArgTokens
)

// Command wraps a REPL-invocable function with its argument shape and
// help text.
type Command struct {
	Name  string
	Usage string
	Help  string
	Args  []ArgTy
	Run   func([]any, *State) (any, error)
}

// State is the REPL's interpreter state: the token and session it is
// driving, variable bindings from `set`/`string`, and the command table.
type State struct {
	Tok  *token.Token
	Sess *token.Session

	vars map[string]any
	cmds map[string]*Command
}

// New builds an interpreter state over an already-open token, with one
// session opened for the lifetime of the REPL.
func New(tok *token.Token) *State {
	s := &State{
		Tok:  tok,
		Sess: tok.OpenSession(),
		vars: make(map[string]any),
		cmds: make(map[string]*Command),
	}
	s.basicCommands()
	s.objectCommands()
	return s
}

// Define installs c into the command table.
func (s *State) Define(c *Command) {
	s.cmds[c.Name] = c
}

func (s *State) resolve(tok Token, ty ArgTy) (any, error) {
	var value any
	switch v := tok.Value.(type) {
	case Str:
		value = []byte(string(v))
	case Int:
		value = int64(v)
	case Var:
		bound, ok := s.vars[string(v)]
		if !ok {
			return nil, fmt.Errorf("no variable %q", string(v))
		}
		value = bound
	default:
		return nil, fmt.Errorf("bad token type %s; this is a bug", reflect.TypeOf(tok.Value))
	}

	var tries []string
	if ty&ArgBytes != 0 {
		if b, ok := value.([]byte); ok {
			return b, nil
		}
		tries = append(tries, "byte string")
	}
	if ty&ArgInt != 0 {
		if n, ok := value.(int64); ok {
			return n, nil
		}
		tries = append(tries, "integer")
	}
	if ty&ArgHandle != 0 {
		if n, ok := value.(int64); ok {
			return uint64(n), nil
		}
		if n, ok := value.(uint64); ok {
			return n, nil
		}
		tries = append(tries, "object handle")
	}
	return nil, fmt.Errorf("expected `%s` to be one of: %s; was actually %s", tok, strings.Join(tries, ", "), reflect.TypeOf(value))
}

// Run executes the command named by args[0] with the remaining tokens as
// its arguments.
func (s *State) Run(args ...Token) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	name, err := s.resolve(args[0], ArgBytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse command name: %s", err)
	}
	cmd, ok := s.cmds[string(name.([]byte))]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", args[0])
	}

	args = args[1:]
	if len(cmd.Args) > 0 && cmd.Args[len(cmd.Args)-1]&ArgTokens != 0 {
		// Tokens-tail commands (like `set`) consume everything themselves.
	} else if len(args) > len(cmd.Args) {
		return nil, fmt.Errorf("%q expects at most %d arguments", cmd.Name, len(cmd.Args))
	}

	argVals := make([]any, len(cmd.Args))
	for i, ty := range cmd.Args {
		if ty&ArgTokens != 0 {
			argVals[i] = args[i:]
			break
		}
		if len(args) <= i {
			if ty&ArgOptional != 0 {
				break
			}
			return nil, fmt.Errorf("%q expects at least %d arguments", cmd.Name, i+1)
		}
		v, err := s.resolve(args[i], ty)
		if err != nil {
			return nil, err
		}
		argVals[i] = v
	}
	return cmd.Run(argVals, s)
}
