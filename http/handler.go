// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package http implements the upload binding: images are posted as a
// multipart form or a raw request body and streamed into the transfer
// engine without being buffered.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/safeboot-ota/safeboot"
)

// DefaultChunkSize is the size of each chunk handed to the engine.
const DefaultChunkSize = 4096

// Response bodies
const (
	SuccessResponse = "Update Success! Rebooting..."
	CancelResponse  = "Rebooting..."
	errorPrefix     = "Update error: "
)

// modeFilesystem is the value of the "mode" parameter selecting a
// filesystem image.
const modeFilesystem = "1"

// Handler implements http.Handler for image uploads, upload cancellation and
// device information.
type Handler struct {
	Engine *safeboot.Engine

	// Path receives uploads and defaults to "/". Cancel requests are posted
	// to Path + "/cancel" (or "/cancel" for the default path).
	Path string

	// Version is served at /sbversion. Defaults to the module version of the
	// running binary.
	Version string

	// ChipSpecs is served at /chipspecs. Defaults to a description of the
	// host platform.
	ChipSpecs string

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int

	once   sync.Once
	router *gin.Engine
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.once.Do(h.initRouter)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) initRouter() {
	path := h.path()
	cancelPath := path + "/cancel"
	if path == "/" {
		cancelPath = "/cancel"
	}

	r := gin.New()
	r.Use(gin.Recovery(), logRequests)
	r.GET(path, h.index)
	r.POST(path, h.update)
	r.POST(cancelPath, h.cancel)
	r.GET("/chipspecs", h.chipSpecs)
	r.GET("/sbversion", h.version)
	r.NoRoute(func(c *gin.Context) {
		c.Redirect(http.StatusFound, path)
	})
	h.router = r
}

func (h *Handler) index(c *gin.Context) {
	c.String(http.StatusOK, "POST a firmware image to %s (add mode=1 for a filesystem image)\n", h.path())
}

func (h *Handler) update(c *gin.Context) {
	if h.Engine == nil {
		c.String(http.StatusInternalServerError, errorPrefix+"no transfer engine")
		return
	}
	ctx := c.Request.Context()
	kind := safeboot.Firmware
	if c.Query("mode") == modeFilesystem {
		kind = safeboot.Filesystem
	}

	up := &safeboot.Upload{Engine: h.Engine}
	if mr, err := c.Request.MultipartReader(); err == nil {
		h.readMultipart(ctx, up, mr, kind)
	} else {
		h.stream(ctx, up, c.Request.Body, kind)
	}

	err := up.Err()
	switch {
	case errors.Is(err, safeboot.ErrBusy):
		c.String(http.StatusConflict, errorPrefix+"%s", err)
	case err != nil:
		slog.Warn("upload failed", "written", up.Written(), "err", err)
		c.String(http.StatusInternalServerError, errorPrefix+"%s", err)
	case !up.Committed():
		c.String(http.StatusBadRequest, errorPrefix+"no image received")
	default:
		c.Header("Connection", "close")
		c.String(http.StatusOK, "%s", SuccessResponse)
	}
}

// readMultipart streams the first file part. A "mode" field preceding it
// may select the image kind.
func (h *Handler) readMultipart(ctx context.Context, up *safeboot.Upload, mr *multipart.Reader, kind safeboot.ImageKind) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadAborted})
			return
		}

		if part.FileName() == "" {
			if part.FormName() == "mode" {
				value, _ := io.ReadAll(io.LimitReader(part, 16))
				if strings.TrimSpace(string(value)) == modeFilesystem {
					kind = safeboot.Filesystem
				}
			}
			_ = part.Close()
			continue
		}

		slog.Debug("receiving upload", "field", part.FormName(), "file", part.FileName(), "kind", kind)
		h.stream(ctx, up, part, kind)
		_ = part.Close()
		return
	}
}

// stream drives one upload from r in fixed size chunks. A read error other
// than a clean EOF means the client went away.
func (h *Handler) stream(ctx context.Context, up *safeboot.Upload, r io.Reader, kind safeboot.ImageKind) {
	up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadStart, Kind: kind})

	buf := make([]byte, h.chunkSize())
	for {
		n, err := fill(r, buf)
		if n > 0 {
			up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadData, Data: buf[:n]})
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadEnd})
			return
		default:
			slog.Debug("upload interrupted", "err", err)
			up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadAborted})
			return
		}
	}
}

// fill reads until buf is full or r fails. Unlike io.ReadFull it passes a
// truncated body error through instead of reporting a short final chunk.
func fill(r io.Reader, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (h *Handler) cancel(c *gin.Context) {
	c.Header("Connection", "close")
	c.String(http.StatusOK, "%s", CancelResponse)
	c.Writer.Flush()
	if h.Engine != nil {
		h.Engine.Cancel(context.WithoutCancel(c.Request.Context()))
	}
}

func (h *Handler) chipSpecs(c *gin.Context) {
	specs := h.ChipSpecs
	if specs == "" {
		specs = fmt.Sprintf("%s/%s (%d CPUs)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	}
	c.String(http.StatusOK, "%s", specs)
}

func (h *Handler) version(c *gin.Context) {
	version := h.Version
	if version == "" {
		version = "(devel)"
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	c.String(http.StatusOK, "%s", version)
}

func (h *Handler) path() string {
	if h.Path == "" {
		return "/"
	}
	return "/" + strings.Trim(h.Path, "/")
}

func (h *Handler) chunkSize() int {
	if h.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return h.ChunkSize
}
