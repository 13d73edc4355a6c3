// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

//go:build !linux

package safeboot

import (
	"log/slog"
	"os"
)

// SystemRestarter exits the process so its supervisor starts it again.
var SystemRestarter Restarter = RestartFunc(func() error {
	slog.Info("exiting for supervisor restart")
	os.Exit(0)
	return nil
})
