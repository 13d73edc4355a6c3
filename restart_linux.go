// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

//go:build linux

package safeboot

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// SystemRestarter restarts the machine when running as init (PID 1) and
// otherwise exits the process so its supervisor starts it again.
var SystemRestarter Restarter = RestartFunc(systemRestart)

func systemRestart() error {
	unix.Sync()
	if os.Getpid() != 1 {
		slog.Info("not running as init, exiting for supervisor restart")
		os.Exit(0)
	}
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("error rebooting: %w", err)
	}
	return nil
}
