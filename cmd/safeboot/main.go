// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main implements the device receiver, the push sender and the
// transfer history viewer.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
)

var flags = flag.NewFlagSet("root", flag.ContinueOnError)

var (
	debug bool
)

func init() {
	flags.BoolVar(&debug, "debug", false, "Run subcommand with debug enabled")
	flags.Usage = usage
	serveFlags.Usage = func() {}
	pushFlags.Usage = func() {}
	historyFlags.Usage = func() {}
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, `
Usage:
  safeboot [global_options] [serve|push|history] [--] [options]
  safeboot [global_options] push [options] image.bin

Global options:
%s
Serve options:
%s
Push options:
%s
History options:
%s
Image kinds:
  - 0   (firmware)
  - 100 (filesystem)
`, options(flags), options(serveFlags), options(pushFlags), options(historyFlags))
}

func options(flags *flag.FlagSet) string {
	oldOutput := flags.Output()
	defer flags.SetOutput(oldOutput)

	var buf bytes.Buffer
	flags.SetOutput(&buf)
	flags.PrintDefaults()

	return buf.String()
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
		os.Exit(1)
	}

	sub := flags.Arg(0)
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
		if flags.Arg(1) == "--" {
			args = flags.Args()[2:]
		}
	}

	switch sub {
	case "serve", "s", "srv":
		if err := serveFlags.Parse(args); err != nil {
			usage()
			os.Exit(1)
		}
		if err := serve(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
			os.Exit(2)
		}
	case "push", "p":
		if err := pushFlags.Parse(args); err != nil || pushFlags.NArg() != 1 {
			usage()
			os.Exit(1)
		}
		if err := pushImage(pushFlags.Arg(0)); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "push error: %v\n", err)
			os.Exit(2)
		}
	case "history", "h":
		if err := historyFlags.Parse(args); err != nil {
			usage()
			os.Exit(1)
		}
		if err := history(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "history error: %v\n", err)
			os.Exit(2)
		}
	default:
		if sub != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		}
		usage()
		os.Exit(1)
	}
}
