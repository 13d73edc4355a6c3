// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
)

func debugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

// logRequests dumps request headers at debug level. Bodies are images and
// are never dumped.
func logRequests(c *gin.Context) {
	if !debugEnabled() {
		c.Next()
		return
	}

	start := time.Now()
	debugReq, _ := httputil.DumpRequest(c.Request, false)
	slog.Debug("request", "dump", string(bytes.TrimSpace(debugReq)))

	c.Next()

	slog.Debug("response",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"size", c.Writer.Size(),
		"duration", time.Since(start))
}
