// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service under which Arduino tooling looks for
// network upload targets.
const ServiceType = "_arduino._tcp"

const mdnsDomain = "local."

// Advertise registers instance as a push target on the local network. The
// caller must call Shutdown on the returned server.
func Advertise(instance, board string, port int) (*zeroconf.Server, error) {
	if port == 0 {
		port = DefaultPort
	}
	server, err := zeroconf.Register(instance, ServiceType, mdnsDomain, port, txtRecords(board), nil)
	if err != nil {
		return nil, fmt.Errorf("error registering %s: %w", ServiceType, err)
	}
	slog.Info("advertising push target", "instance", instance, "service", ServiceType, "port", port)
	return server, nil
}

func txtRecords(board string) []string {
	return []string{
		"board=" + board,
		"tcp_check=no",
		"ssh_upload=no",
		"auth_upload=no",
	}
}

// Discover browses for push targets and returns the UDP address of the
// first one whose instance name matches. An empty instance matches any
// target. It blocks until a match is found or ctx is done.
func Discover(ctx context.Context, instance string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("error initializing discovery: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("error browsing for %s: %w", ServiceType, err)
	}
	for entry := range entries {
		if instance != "" && !strings.EqualFold(entry.Instance, instance) {
			continue
		}
		var ip net.IP
		switch {
		case len(entry.AddrIPv4) > 0:
			ip = entry.AddrIPv4[0]
		case len(entry.AddrIPv6) > 0:
			ip = entry.AddrIPv6[0]
		default:
			continue
		}
		slog.Debug("discovered push target", "instance", entry.Instance, "ip", ip, "port", entry.Port, "txt", entry.Text)
		return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("no push target found: %w", context.Cause(ctx))
	}
	return "", errors.New("no push target found")
}
