// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cmd defines a Handler interface for subcommands invocable
// from a command line, and a Multi dispatcher.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// A Handler runs a command with the given args and returns an exit
// code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// RunCommand implements Handler.
func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version returns a Handler that prints the given version string.
func Version(version string) Handler {
	return HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		prog = strings.TrimSuffix(prog, " version")
		fmt.Fprintf(stdout, "%s %s\n", prog, version)
		return 0
	})
}

// Multi returns a Handler that looks up its first argument in m and
// invokes the resulting Handler with the remaining args.
func Multi(m map[string]Handler) Handler {
	return HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		if len(args) < 1 {
			fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
			multiUsage(stderr, m)
			return 2
		}
		_, ok := m[args[0]]
		if !ok {
			fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
			multiUsage(stderr, m)
			return 2
		}
		return m[args[0]].RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
	})
}

func multiUsage(stderr io.Writer, m map[string]Handler) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Don't clutter the subcommand summary with
			// alternate spellings like "--version".
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}

// ParseFlags parses flags, and returns (false, code) if the command
// should exit with the given code instead of continuing.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (bool, int) {
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options]\n\nOptions:\n", prog)
		flags.PrintDefaults()
	}
	switch err := flags.Parse(args); err {
	case nil:
		if flags.NArg() > 0 {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v\n", flags.Args())
			flags.Usage()
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		return false, 0
	default:
		return false, 2
	}
}
