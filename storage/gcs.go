// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/mmp/bkmirror/retry"
)

// Stores objects in Google Cloud Storage; containers are buckets, which
// are created on first use if they don't exist.
type gcsTarget struct {
	client  *gcs.Client
	options GCSOptions

	mu      sync.Mutex
	buckets map[string]*gcs.BucketHandle
}

type GCSOptions struct {
	// Needed only if buckets have to be created.
	ProjectId string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional; "STANDARD" if not specified.
	StorageClass string
}

func NewGCS(ctx context.Context, options GCSOptions) (Target, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &gcsTarget{
		client:  client,
		options: options,
		buckets: make(map[string]*gcs.BucketHandle),
	}, nil
}

func (g *gcsTarget) String() string {
	return "gcs"
}

func (g *gcsTarget) bucket(ctx context.Context, name string) (*gcs.BucketHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[name]; ok {
		return b, nil
	}

	b := g.client.Bucket(name)
	_, err := b.Attrs(ctx)
	if err == gcs.ErrBucketNotExist {
		loc := g.options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if g.options.ProjectId == "" {
			return nil, fmt.Errorf("gs://%s doesn't exist and no project id was given to create it", name)
		}
		log.Verbose("gs://%s: creating bucket @ %s", name, loc)
		err = b.Create(ctx, g.options.ProjectId, &gcs.BucketAttrs{
			Location:     loc,
			StorageClass: g.options.StorageClass,
		})
	}
	if err != nil {
		return nil, err
	}
	g.buckets[name] = b
	return b, nil
}

// transient marks errors worth retrying.
func transient(err error) error {
	if err == nil || errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Retryable(err)
}

func (g *gcsTarget) List(ctx context.Context, container string, max int) (names []string, err error) {
	start := time.Now()
	defer func() { record("gcs", "list", start, err) }()

	b, err := g.bucket(ctx, container)
	if err != nil {
		return nil, err
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		names = names[:0]
		it := b.Objects(ctx, &gcs.Query{})
		for max <= 0 || len(names) < max {
			obj, err := it.Next()
			if err == iterator.Done {
				return nil
			} else if err != nil {
				log.Warning("gs://%s: listing: %s", container, err)
				return transient(err)
			}
			names = append(names, obj.Name)
		}
		return nil
	})
	return names, err
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Upload streams r to the object. Since r can't be rewound the upload
// isn't retried here; a failed file is picked up by the next pass.
func (g *gcsTarget) Upload(ctx context.Context, r io.Reader, size int64, container, name string) (err error) {
	start := time.Now()
	defer func() { record("gcs", "upload", start, err) }()

	b, err := g.bucket(ctx, container)
	if err != nil {
		return err
	}
	obj := b.Object(name)

	log.Debug("gs://%s/%s: starting upload of %d bytes", container, name, size)
	w := obj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	w.ContentType = "application/octet-stream"

	crc := crc32.New(castagnoliTable)
	n, err := io.Copy(w, io.TeeReader(r, crc))
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if size >= 0 && n != size {
		return fmt.Errorf("gs://%s/%s: uploaded %d bytes, expected %d", container, name, n, size)
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; otherwise the data was most likely corrupted on the
	// way.
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		obj.Delete(ctx)
		return fmt.Errorf("gs://%s/%s: %w: local %d, gcs %d", container, name, ErrChecksum, local, remote)
	}
	return nil
}

func (g *gcsTarget) Download(ctx context.Context, container, name string, w io.Writer, off, length int64) (err error) {
	start := time.Now()
	defer func() { record("gcs", "download", start, err) }()

	b, err := g.bucket(ctx, container)
	if err != nil {
		return err
	}
	obj := b.Object(name)

	// Only opening the reader is retried; once bytes have gone to w they
	// can't be taken back.
	r, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*gcs.Reader, error) {
		if length <= 0 {
			length = -1
		}
		r, err := obj.NewRangeReader(ctx, off, length)
		return r, transient(err)
	})
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gs://%s/%s: %w", container, name, ErrNotFound)
	} else if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(w, r)
	return err
}

func (g *gcsTarget) Delete(ctx context.Context, container string, names ...string) (err error) {
	start := time.Now()
	defer func() { record("gcs", "delete", start, err) }()

	b, err := g.bucket(ctx, container)
	if err != nil {
		return err
	}
	for _, name := range names {
		err = retry.Do(ctx, retry.DefaultConfig(), func() error {
			err := b.Object(name).Delete(ctx)
			if errors.Is(err, gcs.ErrObjectNotExist) {
				return nil
			}
			return transient(err)
		})
		if err != nil {
			return fmt.Errorf("gs://%s/%s: %w", container, name, err)
		}
	}
	return nil
}
