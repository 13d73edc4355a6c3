// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/filesink"
	transport "github.com/safeboot-ota/safeboot/http"
	"github.com/safeboot-ota/safeboot/push"
	"github.com/safeboot-ota/safeboot/sqlite"
)

var serveFlags = flag.NewFlagSet("serve", flag.ContinueOnError)

var (
	imageDir   string
	capacity   int64
	httpAddr   string
	updatePath string
	pushAddr   string
	pushWait   time.Duration
	pushRetry  int
	mdnsName   string
	board      string
	dbPath     string
	dbPass     string
	noRestart  bool
)

func init() {
	serveFlags.BoolVar(&debug, "debug", debug, "Print request headers and transfer states")
	serveFlags.StringVar(&imageDir, "dir", "images", "The directory `path` to commit images to")
	serveFlags.Int64Var(&capacity, "capacity", 0, "Maximum image size in `bytes` (default free space)")
	serveFlags.StringVar(&httpAddr, "http", ":8080", "The `addr`ess to serve uploads on (empty disables)")
	serveFlags.StringVar(&updatePath, "path", "/update", "The URL `path` accepting uploads")
	serveFlags.StringVar(&pushAddr, "push", fmt.Sprintf(":%d", push.DefaultPort), "The UDP `addr`ess to accept push requests on (empty disables)")
	serveFlags.DurationVar(&pushWait, "push-wait", push.DefaultWait, "How long to wait for push data before resending an acknowledgment")
	serveFlags.IntVar(&pushRetry, "push-retries", push.DefaultRetryCap, "Acknowledgment resends tolerated before a push is aborted")
	serveFlags.StringVar(&mdnsName, "mdns", "", "mDNS instance `name` to advertise push on (default hostname, \"-\" disables)")
	serveFlags.StringVar(&board, "board", "generic", "Board `name` advertised over mDNS")
	serveFlags.StringVar(&dbPath, "db", "", "SQLite database file path for transfer history (empty disables)")
	serveFlags.StringVar(&dbPass, "db-pass", "", "SQLite database encryption-at-rest passphrase")
	serveFlags.BoolVar(&noRestart, "no-restart", false, "Log instead of restarting after a commit or cancel")
}

func serve() error {
	if debug {
		level.Set(slog.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if httpAddr == "" && pushAddr == "" {
		return errors.New("at least one of http and push must be enabled")
	}

	restarter := safeboot.SystemRestarter
	if noRestart {
		restarter = safeboot.RestartFunc(func() error {
			slog.Info("restart skipped")
			return nil
		})
	}
	engine := &safeboot.Engine{
		Sink:   &filesink.Sink{Dir: imageDir, Capacity: capacity},
		Reboot: &safeboot.RebootController{Restarter: restarter},
	}

	if dbPath != "" {
		db, err := sqlite.Open(dbPath, dbPass)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		engine.RegisterEventHandler(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	var running int

	if pushAddr != "" {
		running++
		listener := &push.Listener{Engine: engine, Wait: pushWait, RetryCap: pushRetry}
		go func() { errc <- listener.ListenAndServe(ctx, pushAddr) }()

		if mdnsName != "-" {
			stopAdvertising, err := advertise(pushAddr)
			if err != nil {
				// Push still works by address
				slog.Warn("mDNS advertisement disabled", "err", err)
			} else {
				defer stopAdvertising()
			}
		}
	}

	if httpAddr != "" {
		running++
		srv := &http.Server{
			Handler:           &transport.Handler{Engine: engine, Path: updatePath},
			ReadHeaderTimeout: 3 * time.Second,
		}
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			stop()
			return err
		}
		slog.Info("Listening", "local", lis.Addr().String(), "path", updatePath)
		go func() { errc <- srv.Serve(lis) }()
		context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	var err error
	for range running {
		if serr := <-errc; !ignorable(serr) && err == nil {
			err = serr
			stop()
		}
	}
	return err
}

func advertise(addr string) (func(), error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid push addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid push port: %w", err)
	}

	name := mdnsName
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			return nil, err
		}
	}
	server, err := push.Advertise(name, board, port)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}

func ignorable(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, http.ErrServerClosed)
}
