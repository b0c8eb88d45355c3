// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage provides the destinations that backups are written to:
// a local directory, Google Cloud Storage, or S3 compatible object
// stores. All of them store flat, named objects inside a container (a
// directory or a bucket).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mmp/bkmirror/metrics"
	u "github.com/mmp/bkmirror/util"
)

var (
	ErrNotFound        = errors.New("object not found")
	ErrChecksum        = errors.New("checksum mismatch after upload")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DiskName is the destination name that refers to the local file system
// rather than to a configured cloud target.
const DiskName = "disk"

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage targets

// Target describes a place that encoded files can be stored in. Targets
// need not be safe for concurrent use.
type Target interface {
	// String returns a description of the target for messages.
	String() string

	// List returns the names of the objects in container, sorted. If max
	// is positive, at most max names are returned.
	List(ctx context.Context, container string, max int) ([]string, error)

	// Upload stores the contents of r as the named object, replacing any
	// existing one. size is the exact number of bytes r will provide.
	Upload(ctx context.Context, r io.Reader, size int64, container, name string) error

	// Download writes length bytes of the named object, starting at
	// offset start, to w. A non-positive length means "to the end". A
	// range that extends past the end of the object is truncated.
	Download(ctx context.Context, container, name string, w io.Writer, start, length int64) error

	// Delete removes the named objects. Objects that don't exist are
	// ignored.
	Delete(ctx context.Context, container string, names ...string) error
}

// DownloadAll is shorthand for downloading a whole object.
func DownloadAll(ctx context.Context, t Target, container, name string, w io.Writer) error {
	return t.Download(ctx, container, name, w, 0, 0)
}

func record(target, op string, start time.Time, err error) {
	metrics.RecordTargetOperation(target, op, time.Since(start), err)
	if err != nil {
		log.Debug("%s: %s failed: %v", target, op, err)
	}
}

func limitNames(names []string, max int) []string {
	if max > 0 && len(names) > max {
		return names[:max]
	}
	return names
}
