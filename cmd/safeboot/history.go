// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/sqlite"
)

var historyFlags = flag.NewFlagSet("history", flag.ContinueOnError)

var historyLimit int

func init() {
	historyFlags.StringVar(&dbPath, "db", "", "SQLite database file path")
	historyFlags.StringVar(&dbPass, "db-pass", "", "SQLite database encryption-at-rest passphrase")
	historyFlags.IntVar(&historyLimit, "n", 20, "Number of transfers to list (0 lists all)")
}

func history() error {
	if dbPath == "" {
		return errors.New("db flag is required")
	}
	db, err := sqlite.Open(dbPath, dbPass)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	transfers, err := db.Transfers(context.Background(), historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTED\tBINDING\tKIND\tSIZE\tSTATE\tDURATION\tERROR")
	for _, t := range transfers {
		size := fmt.Sprintf("%d/%d", t.Written, t.Declared)
		if t.Declared == safeboot.SizeUnknown {
			size = fmt.Sprintf("%d/?", t.Written)
		}
		var duration string
		if !t.Ended.IsZero() {
			duration = t.Ended.Sub(t.Started).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Started.Format(time.DateTime), t.Binding, t.Kind, size, t.State, duration, t.Error)
	}
	return w.Flush()
}
