// restore/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore reconstructs source trees from the encoded objects that
// encrypted backups leave in a target. Everything needed is in the
// objects themselves: the header and the embedded relative path say where
// each file belongs.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mmp/bkmirror/codec"
	"github.com/mmp/bkmirror/metrics"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/storage"
	u "github.com/mmp/bkmirror/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// How often progress is reported, in files.
const (
	infoReportInterval    = 10
	restoreReportInterval = 5
)

var (
	ErrNoDestination  = errors.New("restore needs either a destination base or a prefix lookup")
	ErrBadIndex       = errors.New("no restore source with that index")
	ErrNoRegistry     = errors.New("restore needs a registry to record restored files in")
	ErrDuplicate      = errors.New("restore source already exists")
	ErrUnresolved     = errors.New("couldn't decode the file's header and path from its first bytes")
	ErrUnsafePath     = errors.New("embedded path leaves the restore destination")
	ErrNoEmbeddedPath = errors.New("embedded path has no prefix directory")
)

///////////////////////////////////////////////////////////////////////////
// Info

// Info accumulates what an info pass learns about a set of backups.
type Info struct {
	Files     int
	TotalSize int64
	Prefixes  map[string]bool
	// File names grouped by embedded prefix; nil when names are skipped.
	Names map[string][]string
}

func newInfo(skipNames bool) *Info {
	info := &Info{Prefixes: make(map[string]bool)}
	if !skipNames {
		info.Names = make(map[string][]string)
	}
	return info
}

// SortedPrefixes returns the embedded prefixes in sorted order.
func (info *Info) SortedPrefixes() []string {
	var p []string
	for prefix := range info.Prefixes {
		p = append(p, prefix)
	}
	sort.Strings(p)
	return p
}

func (info *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Files: %d\n", info.Files)
	fmt.Fprintf(&b, "Total size: %s\n", u.FmtBytes(info.TotalSize))
	fmt.Fprintf(&b, "Embedded prefixes: %s\n", strings.Join(info.SortedPrefixes(), " "))
	if len(info.Names) > 0 {
		b.WriteString("File names:\n")
		for _, prefix := range info.SortedPrefixes() {
			fmt.Fprintf(&b, "%s%c\n", prefix, filepath.Separator)
			for _, name := range info.Names[prefix] {
				fmt.Fprintf(&b, "    %s\n", name)
			}
		}
	}
	return b.String()
}

///////////////////////////////////////////////////////////////////////////
// Callbacks

// Callbacks let the caller follow a pass. Either may be nil.
type Callbacks struct {
	// FilesProcessed is called periodically with the number of files
	// handled since the previous call, and once at the end.
	FilesProcessed func(n int)
	// Error is called for failures that only affect a single file; the
	// pass continues afterward.
	Error func(err error)
}

func (cb Callbacks) progress(n int) {
	if cb.FilesProcessed != nil {
		cb.FilesProcessed(n)
	}
}

func (cb Callbacks) error(err error) {
	log.Warning("%v", err)
	if cb.Error != nil {
		cb.Error(err)
	}
}

///////////////////////////////////////////////////////////////////////////
// Settings

// Settings describes a restore. Exactly one of DestinationBase and Lookup
// should be given.
type Settings struct {
	// Which of the Manager's restorers to use.
	Indices []int
	// If set, every file goes to DestinationBase/relative path.
	DestinationBase string
	// Otherwise the embedded prefix is mapped through Lookup and the rest
	// of the relative path is appended. Unmapped prefixes are skipped.
	Lookup map[string]string
	// If non-empty, only destinations that start with one of these are
	// restored.
	PrefixFilter []string
	// Restored files are registered here under their original alt names.
	Registry *registry.Registry
}

func (s *Settings) validate() error {
	if (s.DestinationBase == "") == (len(s.Lookup) == 0) {
		return ErrNoDestination
	}
	if s.Registry == nil {
		return ErrNoRegistry
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Restorer

// Restorer reads the encoded objects that one encrypted backup wrote to a
// container of a target.
type Restorer struct {
	Target storage.Target
	// "disk" or the name of a configured cloud target.
	TargetName string
	Container  string
	// Objects are only considered if their names are one of these prefixes
	// followed by a number.
	FilePrefixes []string
	Keys         codec.KeyLookup

	decoder *codec.Decoder
}

func (r *Restorer) String() string {
	if r.TargetName == storage.DiskName {
		return r.Container
	}
	return r.TargetName + string(filepath.Separator) + r.Container
}

// breakDown splits an object name like "a1000.bin" into its prefix and
// id. ok is false for names that don't belong to this restorer.
func (r *Restorer) breakDown(name string) (prefix string, id uint32, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "", 0, false
	}
	for _, p := range r.FilePrefixes {
		if p == "" || !strings.HasPrefix(name, p) || dot < len(p) {
			continue
		}
		n, err := strconv.ParseUint(name[len(p):dot], 10, 32)
		if err == nil {
			return p, uint32(n), true
		}
	}
	return "", 0, false
}

type candidate struct {
	name   string
	prefix string
	id     uint32
}

func (r *Restorer) candidates(ctx context.Context) ([]candidate, error) {
	names, err := r.Target.List(ctx, r.Container, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: listing: %w", r, err)
	}
	var c []candidate
	for _, name := range names {
		if prefix, id, ok := r.breakDown(name); ok {
			c = append(c, candidate{name: name, prefix: prefix, id: id})
		} else {
			log.Debug("%s: skipping %s", r, name)
		}
	}
	return c, nil
}

// readPrefix feeds the start of an object to the decoder, which by then
// should have called its resolver.
func (r *Restorer) readPrefix(ctx context.Context, c candidate) error {
	err := r.Target.Download(ctx, r.Container, c.name, r.decoder, 0, codec.PrefixSize)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", r, c.name, err)
	}
	if !r.decoder.Resolved() {
		return fmt.Errorf("%s/%s: %w", r, c.name, ErrUnresolved)
	}
	return nil
}

func (r *Restorer) init() {
	if r.decoder == nil {
		r.decoder = codec.NewDecoder(r.Keys)
	}
}

// Info adds what can be learned from the start of each object to info.
func (r *Restorer) Info(ctx context.Context, info *Info, cb Callbacks) error {
	r.init()
	cands, err := r.candidates(ctx)
	if err != nil {
		return err
	}

	processed := 0
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.decoder.Reset(nil, nil)
		if err := r.readPrefix(ctx, c); err != nil {
			cb.error(err)
			continue
		}

		si := r.decoder.Info()
		info.Files++
		info.TotalSize += si.EncodedLen

		prefix, rest, ok := splitEmbedded(si.RelativePath)
		if !ok {
			cb.error(fmt.Errorf("%s/%s: %q: %w", r, c.name, si.RelativePath, ErrNoEmbeddedPath))
			continue
		}
		info.Prefixes[prefix] = true
		if info.Names != nil {
			info.Names[prefix] = append(info.Names[prefix], rest[1:])
		}

		processed++
		if processed == infoReportInterval {
			cb.progress(processed)
			processed = 0
		}
	}
	cb.progress(processed)
	return nil
}

// Restore decodes the restorer's objects to their destinations. Errors
// with individual files are passed to cb; the returned error means the
// pass couldn't continue (a listing or registry failure).
func (r *Restorer) Restore(ctx context.Context, s Settings, cb Callbacks) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.init()
	cands, err := r.candidates(ctx)
	if err != nil {
		return err
	}

	processed := 0
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}

		var resolveErr error
		r.decoder.Reset(nil, func(si codec.StreamInfo) string {
			dest, err := destination(si, &s)
			resolveErr = err
			return dest
		})
		if err := r.readPrefix(ctx, c); err != nil {
			cb.error(err)
			// The resolver may already have created the destination.
			r.decoder.Reset(nil, nil)
			continue
		}
		if resolveErr != nil {
			cb.error(fmt.Errorf("%s/%s: %w", r, c.name, resolveErr))
			continue
		}
		dest := r.decoder.Destination()
		if dest == "" {
			continue
		}

		si := r.decoder.Info()
		var err error
		if si.EncodedLen > codec.PrefixSize {
			err = r.Target.Download(ctx, r.Container, c.name, r.decoder, codec.PrefixSize,
				si.EncodedLen-codec.PrefixSize)
		}
		if err == nil {
			err = r.decoder.Flush()
		}
		if err == nil && !si.ModTime.IsZero() {
			err = os.Chtimes(dest, si.ModTime, si.ModTime)
		}
		if err != nil {
			cb.error(fmt.Errorf("%s/%s: %w", r, c.name, err))
			r.decoder.Reset(nil, nil)
			continue
		}

		if err := register(s.Registry, dest, c, si); err != nil {
			if errors.Is(err, registry.ErrExists) || errors.Is(err, registry.ErrInvalid) {
				cb.error(err)
			} else {
				return err
			}
		}
		log.Verbose("%s: restored %s", c.name, dest)
		metrics.RecordFileRestored()

		processed++
		if processed == restoreReportInterval {
			cb.progress(processed)
			processed = 0
		}
	}
	r.decoder.Reset(nil, nil)
	cb.progress(processed)
	return nil
}

// register records a restored file under its original name so that later
// backups of it reuse the same object.
func register(reg *registry.Registry, dest string, c candidate, si codec.StreamInfo) error {
	err := reg.AddWithID(dest, c.prefix, c.id, si.ModTime)
	if !errors.Is(err, registry.ErrExists) {
		return err
	}
	st := reg.Status(dest)
	if st.Kind == registry.File && st.AltName == c.name {
		return reg.SetModTime(dest, si.ModTime)
	}
	return fmt.Errorf("%s: registered as %s, not %s: %w", dest, st.AltName, c.name, registry.ErrExists)
}

// splitEmbedded splits a relative path at its first separator. Paths
// written on Windows use '\', so either is accepted; rest keeps the
// separator.
func splitEmbedded(rel string) (prefix, rest string, ok bool) {
	i := strings.IndexAny(rel, `/\`)
	if i <= 0 {
		return "", "", false
	}
	return rel[:i], rel[i:], true
}

// localize converts a relative path to the local separator. If it
// arrived with '\' separators, all of them are taken as separators.
func localize(rel string) (string, error) {
	i := strings.IndexAny(rel, `/\`)
	if i >= 0 && rel[i] == '\\' {
		rel = strings.ReplaceAll(rel, `\`, "/")
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", ErrUnsafePath
		}
	}
	return filepath.FromSlash(rel), nil
}

// destination decides where a stream goes; "" means it's skipped.
func destination(si codec.StreamInfo, s *Settings) (string, error) {
	var dest string
	if s.DestinationBase != "" {
		rel, err := localize(si.RelativePath)
		if err != nil {
			return "", err
		}
		dest = filepath.Join(s.DestinationBase, rel)
	} else {
		prefix, rest, ok := splitEmbedded(si.RelativePath)
		if !ok {
			return "", ErrNoEmbeddedPath
		}
		base, ok := s.Lookup[prefix]
		if !ok || base == "" {
			return "", nil
		}
		rest, err := localize(prefix + rest)
		if err != nil {
			return "", err
		}
		dest = filepath.Join(base, rest[len(prefix):])
	}

	// Don't clobber something at least as new.
	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && !si.ModTime.IsZero() {
		if u.TimeToTicks(fi.ModTime()) >= u.TimeToTicks(si.ModTime) {
			log.Debug("%s: up to date", dest)
			return "", nil
		}
	}

	if len(s.PrefixFilter) > 0 {
		for _, p := range s.PrefixFilter {
			if strings.HasPrefix(dest, p) {
				return dest, nil
			}
		}
		return "", nil
	}
	return dest, nil
}

///////////////////////////////////////////////////////////////////////////
// Manager

// Manager holds the configured restore sources along with the directories
// that each embedded prefix was originally backed up from.
type Manager struct {
	DefaultDestinations map[string]string
	Restorers           []*Restorer
}

func NewManager() *Manager {
	return &Manager{DefaultDestinations: make(map[string]string)}
}

// Names returns a description of each restorer, in index order.
func (m *Manager) Names() []string {
	var names []string
	for _, r := range m.Restorers {
		names = append(names, r.String())
	}
	return names
}

func (m *Manager) Exists(targetName, container string) bool {
	for _, r := range m.Restorers {
		if r.TargetName == targetName && r.Container == container {
			return true
		}
	}
	return false
}

func (m *Manager) Add(r *Restorer) error {
	if m.Exists(r.TargetName, r.Container) {
		return fmt.Errorf("%s: %w", r, ErrDuplicate)
	}
	m.Restorers = append(m.Restorers, r)
	return nil
}

func (m *Manager) SetDefaultDestination(prefix, dest string) {
	if m.DefaultDestinations == nil {
		m.DefaultDestinations = make(map[string]string)
	}
	m.DefaultDestinations[prefix] = dest
}

func (m *Manager) restorers(indices []int) ([]*Restorer, error) {
	var rs []*Restorer
	for _, i := range indices {
		if i < 0 || i >= len(m.Restorers) {
			return nil, fmt.Errorf("%d: %w", i, ErrBadIndex)
		}
		rs = append(rs, m.Restorers[i])
	}
	return rs, nil
}

// Info gathers information about the objects of the given restorers. File
// names are only collected if skipNames is false.
func (m *Manager) Info(ctx context.Context, indices []int, skipNames bool, cb Callbacks) (*Info, error) {
	rs, err := m.restorers(indices)
	if err != nil {
		return nil, err
	}
	info := newInfo(skipNames)
	for _, r := range rs {
		if err := r.Info(ctx, info, cb); err != nil {
			return info, err
		}
	}
	return info, nil
}

func (m *Manager) Restore(ctx context.Context, s Settings, cb Callbacks) error {
	if err := s.validate(); err != nil {
		return err
	}
	rs, err := m.restorers(s.Indices)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := r.Restore(ctx, s, cb); err != nil {
			return err
		}
	}
	return nil
}

// DefaultLookup returns a copy of the default destinations, suitable for
// Settings.Lookup.
func (m *Manager) DefaultLookup() map[string]string {
	l := make(map[string]string)
	for k, v := range m.DefaultDestinations {
		l[k] = v
	}
	return l
}
