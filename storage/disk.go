// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// disk stores objects as files; the container is the directory that
// holds them.
type disk struct{}

func NewDisk() Target {
	return disk{}
}

func (disk) String() string {
	return DiskName
}

func checkName(name string) error {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return fmt.Errorf("%q: %w: object names can't be paths", name, ErrInvalidArgument)
	}
	return nil
}

func (disk) List(ctx context.Context, container string, max int) ([]string, error) {
	start := time.Now()
	entries, err := os.ReadDir(container)
	defer func() { record(DiskName, "list", start, err) }()
	if os.IsNotExist(err) {
		// Nothing has been uploaded yet.
		err = nil
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".tmp") {
			names = append(names, e.Name())
		}
	}
	return limitNames(names, max), nil
}

func (disk) Upload(ctx context.Context, r io.Reader, size int64, container, name string) (err error) {
	start := time.Now()
	defer func() { record(DiskName, "upload", start, err) }()
	if err = checkName(name); err != nil {
		return err
	}
	if err = os.MkdirAll(container, 0755); err != nil {
		return err
	}

	// Write to a temporary file and then rename, so that an interrupted
	// upload never leaves a partial object under the real name.
	path := filepath.Join(container, name)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("%s: wrote %d bytes, expected %d", path, n, size)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (disk) Download(ctx context.Context, container, name string, w io.Writer, off, length int64) (err error) {
	start := time.Now()
	defer func() { record(DiskName, "download", start, err) }()
	if err = checkName(name); err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(container, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", filepath.Join(container, name), ErrNotFound)
	} else if err != nil {
		return err
	}
	defer f.Close()

	if off > 0 {
		if _, err = f.Seek(off, io.SeekStart); err != nil {
			return err
		}
	}
	if length > 0 {
		_, err = io.CopyN(w, f, length)
		if err == io.EOF {
			err = nil
		}
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func (disk) Delete(ctx context.Context, container string, names ...string) (err error) {
	start := time.Now()
	defer func() { record(DiskName, "delete", start, err) }()
	for _, name := range names {
		if err = checkName(name); err != nil {
			return err
		}
		if err = os.Remove(filepath.Join(container, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
