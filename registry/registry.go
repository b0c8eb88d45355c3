// registry/registry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package registry maintains the persistent mapping from real file paths
// to the opaque names ("alt names") under which their encoded contents are
// stored, along with the modification time of the version that was last
// backed up.
//
// The mapping is stored as an append-only text log, one line per file:
//
//	real_path \t prefix \t base64(uint32 id, int64 ticks) \n
//
// where id and ticks are little-endian and ticks counts 100ns intervals
// since 0001-01-01 UTC (0 for unknown). The 16 character base64 payload
// is rewritten in place when a file's time changes; deleting a file
// overwrites it with "AAAAAAAAAAAAAAAA" (id 0). Deleted lines are dropped
// when the log is compacted at open.
package registry

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	u "github.com/mmp/bkmirror/util"
)

const (
	DefaultPrefix = "a"
	// The first file gets this id.
	FirstID = 1000

	payloadLen = 16
	// Lines whose path and prefix run past this many bytes are rejected.
	scanLimit = 2048 - 4 - 1
	// Compact when deleted lines exceed this fraction of live ones.
	compactRatio = 0.10
)

var (
	ErrCorrupt  = errors.New("corrupt name registry")
	ErrExists   = errors.New("file already registered")
	ErrNotFound = errors.New("file not registered")
	ErrInvalid  = errors.New("invalid registry path or prefix")
)

var deletedPayload = []byte(strings.Repeat("A", payloadLen))

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Status

type Kind int

const (
	None Kind = iota
	Directory
	File
)

// Status describes what the registry holds at a path. AltName and ModTime
// are only set for files; ModTime is zero when the time is unknown.
type Status struct {
	Kind    Kind
	AltName string
	ModTime time.Time
}

///////////////////////////////////////////////////////////////////////////
// Registry

type Registry struct {
	path          string
	defaultPrefix string
	f             *os.File
	size          int64
	root          *dirNode
	highestID     uint32
	live, deleted int
}

// Stats summarizes the log.
type Stats struct {
	Live, Deleted int
	HighestID     uint32
}

// Open reads the log at path, creating it if necessary. New files are
// given defaultPrefix (DefaultPrefix if empty).
func Open(path, defaultPrefix string) (*Registry, error) {
	if defaultPrefix == "" {
		defaultPrefix = DefaultPrefix
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		path:          path,
		defaultPrefix: defaultPrefix,
		f:             f,
		root:          newDirNode(),
		highestID:     FirstID - 1,
	}
	if err := r.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := r.readHighWater(); err != nil {
		f.Close()
		return nil, err
	}

	if r.deleted > 0 && (r.live == 0 || float64(r.deleted)/float64(r.live) > compactRatio) {
		log.Verbose("%s: compacting; %d of %d lines deleted", path, r.deleted, r.live+r.deleted)
		if err := r.compact(); err != nil {
			r.f.Close()
			return nil, fmt.Errorf("%s: compacting: %w", path, err)
		}
	}
	return r, nil
}

func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) DefaultPrefix() string {
	return r.defaultPrefix
}

func (r *Registry) Stats() Stats {
	return Stats{Live: r.live, Deleted: r.deleted, HighestID: r.highestID}
}

// Status reports whether path is a registered file, a directory holding
// registered files, or unknown.
func (r *Registry) Status(path string) Status {
	dir, name := r.root.lookupParent(split(path), false)
	if dir == nil {
		return Status{}
	}
	if _, ok := dir.dirs[name]; ok {
		return Status{Kind: Directory}
	}
	if fn, ok := dir.files[name]; ok {
		return Status{Kind: File, AltName: fn.altName(), ModTime: u.TicksToTime(fn.ticks)}
	}
	return Status{}
}

// List returns the sorted names of the subdirectories and files of dir,
// along with the files' alt names. All are nil if dir is unknown.
func (r *Registry) List(dir string) (subdirs, files, altNames []string) {
	d := r.root.lookupDir(split(dir))
	if d == nil {
		return nil, nil, nil
	}
	for _, name := range d.sortedDirs() {
		subdirs = append(subdirs, name)
	}
	for _, name := range d.sortedFiles() {
		files = append(files, name)
		altNames = append(altNames, d.files[name].altName())
	}
	return
}

// Add registers path under a newly allocated id with the default prefix
// and an unknown modification time. It returns the alt name.
func (r *Registry) Add(path string) (string, error) {
	fn := &fileNode{prefix: r.defaultPrefix, id: r.highestID + 1}
	if err := r.attach(path, fn); err != nil {
		return "", err
	}
	r.highestID = fn.id
	return fn.altName(), nil
}

// AddWithID registers path under an existing (prefix, id), as happens
// when restoring. The id only advances the allocator when prefix is the
// default prefix.
func (r *Registry) AddWithID(path, prefix string, id uint32, modTime time.Time) error {
	if id == 0 {
		return fmt.Errorf("%s: %w: id 0 is reserved for deleted entries", path, ErrInvalid)
	}
	if strings.ContainsAny(prefix, "\t\n") {
		return fmt.Errorf("prefix %q: %w", prefix, ErrInvalid)
	}
	fn := &fileNode{prefix: prefix, id: id, ticks: u.TimeToTicks(modTime)}
	if err := r.attach(path, fn); err != nil {
		return err
	}
	if prefix == r.defaultPrefix && id > r.highestID {
		r.highestID = id
	}
	return nil
}

func (r *Registry) attach(path string, fn *fileNode) error {
	if strings.ContainsAny(path, "\t\n") {
		return fmt.Errorf("%q: %w: paths may not contain tabs or newlines", path, ErrInvalid)
	}
	parts := split(path)
	dir, name := r.root.lookupParent(parts, true)
	if _, ok := dir.files[name]; ok {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if _, ok := dir.dirs[name]; ok {
		return fmt.Errorf("%s: %w as a directory", path, ErrExists)
	}
	if err := r.appendLine(path, fn); err != nil {
		return err
	}
	dir.files[name] = fn
	r.live++
	return nil
}

func (r *Registry) ModTime(path string) (time.Time, error) {
	fn := r.file(path)
	if fn == nil {
		return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return u.TicksToTime(fn.ticks), nil
}

// SetModTime records t (zero for unknown) for path, rewriting its entry
// in place.
func (r *Registry) SetModTime(path string, t time.Time) error {
	fn := r.file(path)
	if fn == nil {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	ticks := u.TimeToTicks(t)
	if _, err := r.f.WriteAt(encodePayload(fn.id, ticks), fn.offset); err != nil {
		return err
	}
	fn.ticks = ticks
	return nil
}

// Delete removes the file or the directory tree at path. Unknown paths
// are ignored.
func (r *Registry) Delete(path string) error {
	dir, name := r.root.lookupParent(split(path), false)
	if dir == nil {
		return nil
	}
	if fn, ok := dir.files[name]; ok {
		if err := r.softDelete(fn); err != nil {
			return err
		}
		delete(dir.files, name)
		return nil
	}
	if sub, ok := dir.dirs[name]; ok {
		var err error
		sub.walk(nil, func(_ []string, fn *fileNode) {
			if err == nil {
				err = r.softDelete(fn)
			}
		})
		if err != nil {
			return err
		}
		delete(dir.dirs, name)
	}
	return nil
}

func (r *Registry) softDelete(fn *fileNode) error {
	// Deleted lines lose their id, so the allocator's position has to be
	// kept elsewhere once its highest id disappears.
	if fn.prefix == r.defaultPrefix && fn.id == r.highestID {
		if err := r.writeHighWater(); err != nil {
			return err
		}
	}
	if _, err := r.f.WriteAt(deletedPayload, fn.offset); err != nil {
		return err
	}
	r.live--
	r.deleted++
	return nil
}

// The high-water file holds the highest id ever allocated, in decimal.

func (r *Registry) highWaterPath() string {
	return r.path + ".hwm"
}

func (r *Registry) readHighWater() error {
	b, err := os.ReadFile(r.highWaterPath())
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", r.highWaterPath(), ErrCorrupt, err)
	}
	if uint32(id) > r.highestID {
		r.highestID = uint32(id)
	}
	return nil
}

func (r *Registry) writeHighWater() error {
	tmp := r.highWaterPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(r.highestID), 10)+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, r.highWaterPath())
}

func (r *Registry) file(path string) *fileNode {
	dir, name := r.root.lookupParent(split(path), false)
	if dir == nil {
		return nil
	}
	return dir.files[name]
}

// Print writes an indented listing of the tree to w.
func (r *Registry) Print(w io.Writer) error {
	bw := bufio.NewWriter(w)
	r.root.print(bw, 0)
	return bw.Flush()
}

// Flush forces the log to stable storage.
func (r *Registry) Flush() error {
	return r.f.Sync()
}

func (r *Registry) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Sync()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.f = nil
	return err
}

///////////////////////////////////////////////////////////////////////////
// Log I/O

func encodePayload(id uint32, ticks int64) []byte {
	var raw [12]byte
	binary.LittleEndian.PutUint32(raw[0:4], id)
	binary.LittleEndian.PutUint64(raw[4:12], uint64(ticks))
	b := make([]byte, payloadLen)
	base64.StdEncoding.Encode(b, raw[:])
	return b
}

func (r *Registry) appendLine(path string, fn *fileNode) error {
	head := path + "\t" + fn.prefix + "\t"
	line := make([]byte, 0, len(head)+payloadLen+1)
	line = append(line, head...)
	line = append(line, encodePayload(fn.id, fn.ticks)...)
	line = append(line, '\n')

	if _, err := r.f.WriteAt(line, r.size); err != nil {
		return err
	}
	fn.offset = r.size + int64(len(head))
	r.size += int64(len(line))
	return nil
}

func (r *Registry) load() error {
	br := bufio.NewReaderSize(r.f, 64*1024)
	var offset int64
	lineno := 0
	payload := make([]byte, payloadLen)

	for {
		lineno++
		head, err := readHead(br)
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineno, err)
		}
		offset += int64(len(head))
		fields := strings.Split(string(head), "\t")
		// Paths are stored verbatim; names may begin or end with spaces.
		path, prefix := fields[0], fields[1]

		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("%w: line %d: incomplete payload", ErrCorrupt, lineno)
		}
		var raw [12]byte
		if n, err := base64.StdEncoding.Decode(raw[:], payload); err != nil || n != len(raw) {
			return fmt.Errorf("%w: line %d: bad payload %q", ErrCorrupt, lineno, payload)
		}
		payloadOffset := offset
		offset += payloadLen

		n, err := readNewline(br)
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineno, err)
		}
		offset += int64(n)

		id := binary.LittleEndian.Uint32(raw[0:4])
		if id == 0 {
			r.deleted++
			continue
		}
		fn := &fileNode{
			prefix: prefix,
			id:     id,
			ticks:  int64(binary.LittleEndian.Uint64(raw[4:12])),
			offset: payloadOffset,
		}
		dir, name := r.root.lookupParent(split(path), true)
		if _, ok := dir.files[name]; ok {
			return fmt.Errorf("%w: line %d: %s registered twice", ErrCorrupt, lineno, path)
		}
		dir.files[name] = fn
		r.live++
		if id > r.highestID {
			r.highestID = id
		}
	}

	r.size = offset
	// A partial line at the end is left by an interrupted append.
	if fi, err := r.f.Stat(); err == nil && fi.Size() > offset {
		log.Warning("%s: discarding %d bytes of incomplete entry", r.path, fi.Size()-offset)
		if err := r.f.Truncate(offset); err != nil {
			return err
		}
	}
	return nil
}

// readHead returns the bytes up to and including the second tab of a
// line. io.EOF means the log ended before a complete head, which is not an
// error.
func readHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	tabs := 0
	for tabs < 2 && len(head) <= scanLimit {
		c, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		head = append(head, c)
		if c == '\t' {
			tabs++
		}

		if c >= 0x80 {
			var extra int
			switch {
			case c >= 0xc0 && c <= 0xdf:
				extra = 1
			case c >= 0xe0 && c <= 0xef:
				extra = 2
			case c >= 0xf0 && c <= 0xf7:
				extra = 3
			default:
				return nil, errors.New("not UTF-8 encoded")
			}
			for i := 0; i < extra; i++ {
				c, err := br.ReadByte()
				if err != nil {
					return nil, err
				}
				head = append(head, c)
			}
		}
	}
	if tabs < 2 {
		return nil, fmt.Errorf("no second tab within %d bytes", scanLimit)
	}
	return head, nil
}

// readNewline accepts "\n" or "\r\n", the latter being what spreadsheet
// software on Windows leaves behind.
func readNewline(br *bufio.Reader) (int, error) {
	c, err := br.ReadByte()
	if err == nil && c == '\n' {
		return 1, nil
	}
	if err == nil && c == '\r' {
		if c, err = br.ReadByte(); err == nil && c == '\n' {
			return 2, nil
		}
	}
	return 0, errors.New("missing newline at end of entry")
}

// compact copies the log to path.old and rewrites it with only the live
// entries.
func (r *Registry) compact() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	if err := copyFile(r.path, r.path+".old"); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0

	var werr error
	r.root.walk(nil, func(parts []string, fn *fileNode) {
		if werr == nil {
			werr = r.appendLine(strings.Join(parts, string(os.PathSeparator)), fn)
		}
	})
	if werr != nil {
		return werr
	}
	r.deleted = 0
	return r.f.Sync()
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func split(path string) []string {
	return strings.Split(path, string(os.PathSeparator))
}

///////////////////////////////////////////////////////////////////////////
// Tree

type fileNode struct {
	prefix string
	id     uint32
	ticks  int64
	// Offset of the base64 payload in the log.
	offset int64
}

func (f *fileNode) altName() string {
	return fmt.Sprintf("%s%d.bin", f.prefix, f.id)
}

type dirNode struct {
	dirs  map[string]*dirNode
	files map[string]*fileNode
}

func newDirNode() *dirNode {
	return &dirNode{dirs: make(map[string]*dirNode), files: make(map[string]*fileNode)}
}

// lookupParent returns the directory that holds the final element of
// parts, along with that element's name. With create set, missing
// directories are added; otherwise nil is returned if one is missing.
func (d *dirNode) lookupParent(parts []string, create bool) (*dirNode, string) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := d.dirs[p]
		if !ok {
			if !create {
				return nil, ""
			}
			next = newDirNode()
			d.dirs[p] = next
		}
		d = next
	}
	return d, parts[len(parts)-1]
}

func (d *dirNode) lookupDir(parts []string) *dirNode {
	for _, p := range parts {
		next, ok := d.dirs[p]
		if !ok {
			return nil
		}
		d = next
	}
	return d
}

func (d *dirNode) sortedDirs() []string {
	names := make([]string, 0, len(d.dirs))
	for n := range d.dirs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *dirNode) sortedFiles() []string {
	names := make([]string, 0, len(d.files))
	for n := range d.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// walk calls f for every file below d: a directory's files first, then
// its subdirectories, each in sorted order. prefix holds the path
// components leading to d.
func (d *dirNode) walk(prefix []string, f func(parts []string, fn *fileNode)) {
	for _, name := range d.sortedFiles() {
		f(append(append([]string(nil), prefix...), name), d.files[name])
	}
	for _, name := range d.sortedDirs() {
		d.dirs[name].walk(append(append([]string(nil), prefix...), name), f)
	}
}

func (d *dirNode) print(w io.Writer, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, name := range d.sortedFiles() {
		fn := d.files[name]
		mod := "unknown"
		if fn.ticks != 0 {
			mod = u.TicksToTime(fn.ticks).Format(time.RFC3339Nano)
		}
		fmt.Fprintf(w, "%s%s (%s, modified: %s)\n", indent, name, fn.altName(), mod)
	}
	for _, name := range d.sortedDirs() {
		label := name
		if label == "" {
			label = string(os.PathSeparator)
		}
		fmt.Fprintf(w, "%s%s\n", indent, label)
		d.dirs[name].print(w, depth+1)
	}
}
