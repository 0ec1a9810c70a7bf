// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Binary tokenadmin implements a REPL for inspecting and seeding a token's
// storage file directly, primarily aimed at making it easy to bootstrap or
// debug a token outside of a full PKCS#11 application.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nsec/pk11token/cmd/tokenadmin/commands"
	"github.com/nsec/pk11token/internal/logger"
	"github.com/nsec/pk11token/token"
)

var (
	dbPath   = flag.String("db", "", "path to the token's storage file")
	initDB   = flag.Bool("init", false, "initialize the storage file if it does not already exist")
	script   = flag.String("script", "", "path to a script to run; if not set, drops into an interactive session")
	logFile  = flag.String("log-file", "", "path to also write object/session lifecycle log lines to, in addition to stderr")
	logLevel = flag.Int("log-level", int(logger.LogLevelInfo), "log verbosity, 0 (fatal only) through 4 (debug)")
)

func main() {
	flag.Parse()

	if *dbPath == "" {
		fmt.Println("-db is required")
		os.Exit(2)
	}

	var tok *token.Token
	var err error
	if *initDB {
		tok, err = token.New(*dbPath)
	} else {
		tok, err = token.Open(*dbPath)
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer tok.Close()

	if *logFile != "" {
		l, err := logger.NewFile(*logFile, logger.LogLevel(*logLevel))
		if err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
		defer l.Close()
		tok.SetLogger(l)
	} else {
		tok.SetLogger(logger.New(logger.LogLevel(*logLevel)))
	}

	state := commands.New(tok)

	input := os.Stdin
	isScript := *script != ""
	if isScript {
		f, err := os.Open(*script)
		if err != nil {
			fmt.Printf("could not open script file %q: %s\n", *script, err)
			os.Exit(2)
		}
		defer f.Close()
		input = f
	}

	reader := commands.NewReader(input)
	for {
		if !isScript {
			fmt.Print("tokenadmin> ")
		}
		stmt, done, err := reader.Next()
		if err != nil {
			if isScript {
				fmt.Printf("could not read script: %s\n", err)
				os.Exit(2)
			}
			fmt.Printf("# error: %s\n", err)
			continue
		}
		if done {
			break
		}

		ret, err := state.Run(stmt...)
		if err != nil {
			if isScript {
				fmt.Printf("could not execute command `%s`: %s\n", commands.StringTokens(stmt), err)
				os.Exit(2)
			}
			fmt.Printf("# error: %s\n", err)
			continue
		}

		if !isScript {
			s, err := commands.Stringify(ret)
			if err != nil {
				fmt.Printf("# error: %s\n", err)
				continue
			}
			if s != "" {
				fmt.Println(s)
			}
		}
	}

	if err := tok.Flush(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}
