// backup/mirror.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mmp/bkmirror/codec"
	"github.com/mmp/bkmirror/metrics"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/storage"
	u "github.com/mmp/bkmirror/util"
)

// fatalError wraps errors that leave the manager unable to continue
// safely; anything else only affects the file at hand.
type fatalError struct {
	err error
}

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err}
}

func isFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// mirror is what the worker needs from each kind of job. The methods
// report per-file problems through the Manager and only return errors
// that should stop the worker (or cancellation).
type mirror interface {
	job() *Job
	backupFile(m *Manager, path string, fi fs.FileInfo, live bool) error
	remove(m *Manager, path string) error
	sweep(m *Manager) error
}

// backupPath brings the backup of path in line with what is now on disk.
func backupPath(m *Manager, mi mirror, path string, kind ChangeKind) error {
	if mi.job().hidden(path) {
		return nil
	}
	fi, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return mi.remove(m, path)
	case err != nil:
		m.fileError(err)
		return nil
	case fi.IsDir():
		if kind == Changed {
			return nil
		}
		return backupDirectory(m, mi, path, true)
	case fi.Mode().IsRegular():
		return mi.backupFile(m, path, fi, true)
	default:
		log.Debug("%s: skipping %s", path, fi.Mode().Type())
		return nil
	}
}

// backupDirectory backs up the files in dir and then its subdirectories.
func backupDirectory(m *Manager, mi mirror, dir string, live bool) error {
	files, dirs, err := readDir(dir)
	if err != nil {
		m.fileError(err)
		return nil
	}
	for _, f := range files {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if err := mi.backupFile(m, f.path, f.info, live); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := backupDirectory(m, mi, d, live); err != nil {
			return err
		}
	}
	return nil
}

type dirFile struct {
	path string
	info fs.FileInfo
}

// readDir returns the regular, non-hidden files and the non-hidden
// subdirectories of dir, sorted.
func readDir(dir string) (files []dirFile, dirs []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if u.IsHidden(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			dirs = append(dirs, path)
		case e.Type().IsRegular():
			fi, err := e.Info()
			if err != nil {
				// Removed since the directory was read.
				continue
			}
			files = append(files, dirFile{path: path, info: fi})
		}
	}
	return files, dirs, nil
}

func sameTime(a, b time.Time) bool {
	return u.TimeToTicks(a) == u.TimeToTicks(b)
}

///////////////////////////////////////////////////////////////////////////
// plainMirror

type plainMirror struct {
	j *Job
}

func (p *plainMirror) job() *Job { return p.j }

func (p *plainMirror) destination(source string) string {
	return u.Rebase(source, p.j.Source, p.j.Destination)
}

func (p *plainMirror) source(destination string) string {
	return u.Rebase(destination, p.j.Destination, p.j.Source)
}

func (p *plainMirror) backupFile(m *Manager, src string, fi fs.FileInfo, live bool) error {
	if !p.j.accepts(src) {
		return nil
	}
	dst := p.destination(src)
	if err := copyFile(src, dst, fi); err != nil {
		m.fileError(fmt.Errorf("%s: %w", src, err))
		return nil
	}
	m.logf("%s --> %s", src, dst)
	metrics.RecordFileBackedUp(p.j.Name)
	return nil
}

func copyFile(src, dst string, fi fs.FileInfo) error {
	// The destination can't be a directory.
	if dfi, err := os.Lstat(dst); err == nil && dfi.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	r := &u.ReportingReader{R: in, Msg: src, Log: log}
	defer r.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

func (p *plainMirror) remove(m *Manager, src string) error {
	dst := p.destination(src)
	fi, err := os.Lstat(dst)
	if err != nil {
		return nil
	}
	if fi.IsDir() {
		err = os.RemoveAll(dst)
	} else {
		err = os.Remove(dst)
	}
	if err != nil {
		m.fileError(err)
		return nil
	}
	if fi.IsDir() {
		m.logf("Deleted directory %s", dst)
	} else {
		m.logf("Deleted file %s", dst)
		metrics.RecordFileDeleted(p.j.Name)
	}
	return nil
}

func (p *plainMirror) sweep(m *Manager) error {
	if err := p.checkSource(m, p.j.Source); err != nil {
		return err
	}
	if _, err := os.Stat(p.j.Destination); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return p.checkDestination(m, p.j.Destination)
}

// checkSource backs up files that are missing at the destination or
// whose modification times differ.
func (p *plainMirror) checkSource(m *Manager, dir string) error {
	files, dirs, err := readDir(dir)
	if err != nil {
		m.fileError(err)
		return nil
	}
	for _, f := range files {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if !p.j.accepts(f.path) {
			continue
		}
		dfi, err := os.Stat(p.destination(f.path))
		if err == nil && dfi.Mode().IsRegular() && sameTime(dfi.ModTime(), f.info.ModTime()) {
			continue
		}
		if err := p.backupFile(m, f.path, f.info, false); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := p.checkSource(m, d); err != nil {
			return err
		}
	}
	return nil
}

// checkDestination removes files whose source is gone or no longer
// accepted.
func (p *plainMirror) checkDestination(m *Manager, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.fileError(err)
		return nil
	}
	for _, e := range entries {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := p.checkDestination(m, dst); err != nil {
				return err
			}
			continue
		}
		src := p.source(dst)
		fi, err := os.Stat(src)
		if err != nil || !fi.Mode().IsRegular() || !p.j.accepts(src) || p.j.hidden(src) {
			if err := p.remove(m, src); err != nil {
				return err
			}
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// encryptedMirror

type encryptedMirror struct {
	j      *Job
	target storage.Target
	key    []byte
	cloud  bool
}

func (e *encryptedMirror) job() *Job { return e.j }

func (e *encryptedMirror) objectName(alt string) string {
	if e.cloud {
		return alt
	}
	return filepath.Join(e.j.Container, alt)
}

func (e *encryptedMirror) backupFile(m *Manager, src string, fi fs.FileInfo, live bool) error {
	if !e.j.accepts(src) {
		return nil
	}
	if live && e.cloud && fi.Size() > m.opts.CloudLiveMaxSize {
		m.logf("%s is larger than the maximum size allowed for live backup (%s); it will be uploaded by the next check",
			src, u.FmtBytes(m.opts.CloudLiveMaxSize))
		return nil
	}

	st := m.reg.Status(src)
	if st.Kind == registry.Directory {
		// It used to be a directory.
		if err := e.removeDir(m, src); err != nil {
			return err
		}
		st = registry.Status{}
	}
	alt := st.AltName
	if st.Kind != registry.File {
		var err error
		if alt, err = m.reg.Add(src); err != nil {
			if errors.Is(err, registry.ErrInvalid) {
				m.fileError(err)
				return nil
			}
			return fatal(err)
		}
	}

	rel := e.j.EmbeddedPrefix + e.j.relative(src)
	if err := m.enc.Reset(src, rel, e.key, codec.CompressAuto, e.j.KeyNumber); err != nil {
		m.fileError(err)
		return nil
	}
	defer m.enc.Close()

	// Until the upload finishes the object is stale; an unknown time
	// makes sure the next check retries it if something goes wrong.
	modTime := m.enc.ModTime()
	if err := m.reg.SetModTime(src, time.Time{}); err != nil {
		return fatal(err)
	}
	size := m.enc.Len()
	if err := e.target.Upload(m.ctx, m.enc, size, e.j.Container, alt); err != nil {
		if m.ctx.Err() != nil {
			return m.ctx.Err()
		}
		m.fileError(fmt.Errorf("%s: %w", src, err))
		return nil
	}
	if err := m.reg.SetModTime(src, modTime); err != nil {
		return fatal(err)
	}

	m.logf("%s --> %s", src, e.objectName(alt))
	metrics.RecordFileBackedUp(e.j.Name)
	metrics.RecordBytesEncoded(size)
	return nil
}

func (e *encryptedMirror) remove(m *Manager, src string) error {
	switch st := m.reg.Status(src); st.Kind {
	case registry.File:
		return e.removeFile(m, src, st.AltName)
	case registry.Directory:
		return e.removeDir(m, src)
	}
	return nil
}

func (e *encryptedMirror) removeFile(m *Manager, src, alt string) error {
	if err := e.target.Delete(m.ctx, e.j.Container, alt); err != nil {
		if m.ctx.Err() != nil {
			return m.ctx.Err()
		}
		m.fileError(fmt.Errorf("deleting %s (backup of %s): %w; if this keeps happening, the registry "+
			"entry is probably stale and can be removed with \"bkmirror registry forget\"",
			e.objectName(alt), src, err))
		return nil
	}
	if err := m.reg.Delete(src); err != nil {
		return fatal(err)
	}
	m.logf("Deleted file %s (%s)", e.objectName(alt), src)
	metrics.RecordFileDeleted(e.j.Name)
	return nil
}

func (e *encryptedMirror) removeDir(m *Manager, dir string) error {
	subdirs, files, alts := m.reg.List(dir)
	for i, f := range files {
		if err := e.removeFile(m, filepath.Join(dir, f), alts[i]); err != nil {
			return err
		}
	}
	for _, d := range subdirs {
		if err := e.removeDir(m, filepath.Join(dir, d)); err != nil {
			return err
		}
	}
	// Anything still registered below dir couldn't be deleted from the
	// target and stays for the next attempt.
	if sub, files, _ := m.reg.List(dir); len(sub) == 0 && len(files) == 0 {
		return fatal(m.reg.Delete(dir))
	}
	return nil
}

func (e *encryptedMirror) sweep(m *Manager) error {
	if err := e.checkSource(m, e.j.Source); err != nil {
		return err
	}
	return e.checkRegistry(m, e.j.Source)
}

// checkSource backs up files the registry doesn't know about, whose time
// is unknown or whose time differs.
func (e *encryptedMirror) checkSource(m *Manager, dir string) error {
	files, dirs, err := readDir(dir)
	if err != nil {
		m.fileError(err)
		return nil
	}
	for _, f := range files {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if !e.j.accepts(f.path) {
			continue
		}
		st := m.reg.Status(f.path)
		if st.Kind == registry.File && !st.ModTime.IsZero() && sameTime(st.ModTime, f.info.ModTime()) {
			continue
		}
		if err := e.backupFile(m, f.path, f.info, false); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := e.checkSource(m, d); err != nil {
			return err
		}
	}
	return nil
}

// checkRegistry removes the backups of files that are gone or no longer
// accepted.
func (e *encryptedMirror) checkRegistry(m *Manager, dir string) error {
	subdirs, files, alts := m.reg.List(dir)
	for i, f := range files {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(dir, f)
		fi, err := os.Stat(src)
		if err != nil || !fi.Mode().IsRegular() || !e.j.accepts(src) || e.j.hidden(src) {
			if err := e.removeFile(m, src, alts[i]); err != nil {
				return err
			}
		}
	}
	for _, d := range subdirs {
		src := filepath.Join(dir, d)
		if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
			if err := e.removeDir(m, src); err != nil {
				return err
			}
		} else if err := e.checkRegistry(m, src); err != nil {
			return err
		}
	}
	return nil
}
