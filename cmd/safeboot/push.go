// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/push"
)

var pushFlags = flag.NewFlagSet("push", flag.ContinueOnError)

var (
	deviceAddr   string
	discover     string
	discoverWait time.Duration
	imageKind    int
	localAddr    string
	attempts     int
	quiet        bool
)

func init() {
	pushFlags.BoolVar(&debug, "debug", debug, "Log protocol steps")
	pushFlags.StringVar(&deviceAddr, "addr", "", "Device UDP `addr`ess (port defaults to 3232)")
	pushFlags.StringVar(&discover, "discover", "", "Find the device by mDNS instance `name` instead of addr (\"*\" matches any)")
	pushFlags.DurationVar(&discoverWait, "discover-wait", 10*time.Second, "How long to browse for the device")
	pushFlags.IntVar(&imageKind, "kind", int(safeboot.Firmware), "Image `kind` code")
	pushFlags.StringVar(&localAddr, "listen", "", "Local TCP `addr`ess the device connects back to (default any)")
	pushFlags.IntVar(&attempts, "attempts", push.DefaultAttempts, "Request datagrams sent before giving up")
	pushFlags.BoolVar(&quiet, "quiet", false, "Do not print a progress bar")
}

func pushImage(path string) error {
	if debug {
		level.Set(slog.LevelDebug)
	}

	kind, err := safeboot.ParseImageKind(imageKind)
	if err != nil {
		return err
	}
	image, err := os.ReadFile(path) //nolint:gosec // user-selected image
	if err != nil {
		return fmt.Errorf("error reading image: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := deviceAddr
	if discover != "" {
		if addr != "" {
			return errors.New("addr and discover are mutually exclusive")
		}
		if addr, err = find(ctx, discover); err != nil {
			return err
		}
	}
	if addr == "" {
		return errors.New("addr or discover flag is required")
	}

	sender := &push.Sender{
		Addr:       addr,
		ListenAddr: localAddr,
		Attempts:   attempts,
	}
	if !quiet {
		sender.Progress = os.Stderr
	}
	slog.Info("pushing image", "addr", addr, "kind", kind, "size", len(image))
	if err := sender.Send(ctx, kind, image); err != nil {
		return err
	}
	slog.Info("image committed, device is restarting")
	return nil
}

func find(ctx context.Context, instance string) (string, error) {
	if instance == "*" {
		instance = ""
	}
	ctx, cancel := context.WithTimeout(ctx, discoverWait)
	defer cancel()
	addr, err := push.Discover(ctx, instance)
	if err != nil {
		return "", fmt.Errorf("error discovering device: %w", err)
	}
	slog.Info("discovered device", "addr", addr)
	return addr, nil
}
