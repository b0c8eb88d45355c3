// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/bkmirror/codec"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
	"github.com/mmp/bkmirror/rules"
	"github.com/mmp/bkmirror/storage"
)

const keyNumber = 100

type keyMap map[uint16][]byte

func (k keyMap) Key(n uint16) ([]byte, bool) {
	key, ok := k[n]
	return key, ok
}

func newKeys(t *testing.T) keyMap {
	key := make([]byte, codec.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return keyMap{keyNumber: key}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) find(typ EventType, id uuid.UUID) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && e.ID == id {
			return e, true
		}
	}
	return Event{}, false
}

func (r *recorder) errors() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []Event
	for _, e := range r.events {
		if e.Type == Error {
			errs = append(errs, e)
		}
	}
	return errs
}

func (r *recorder) wait(t *testing.T, typ EventType, id uuid.UUID) Event {
	var e Event
	require.Eventually(t, func() bool {
		var ok bool
		e, ok = r.find(typ, id)
		return ok
	}, 10*time.Second, 5*time.Millisecond, "waiting for %s", typ)
	return e
}

func writeFile(t *testing.T, path, contents string, mtime time.Time) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

var mtime = time.Date(2022, 2, 3, 4, 5, 6, 0, time.UTC)

func sourceTree(t *testing.T) string {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha", mtime)
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "beta", mtime)
	writeFile(t, filepath.Join(src, ".hidden"), "nope", mtime)
	writeFile(t, filepath.Join(src, ".git", "config"), "nope", mtime)
	writeFile(t, filepath.Join(src, "sub", "skip.tmp"), "nope", mtime)
	return src
}

func testRules(src string) *rules.Engine {
	e := rules.New()
	if err := e.Add(rules.NewRule(src, rules.RejectSuffix, ".tmp", ""), 0); err != nil {
		panic(err)
	}
	return e
}

func fastOptions(r *recorder) Options {
	return Options{IdleWindow: 50 * time.Millisecond, Tick: 10 * time.Millisecond, OnEvent: r.on}
}

func runCheckAll(t *testing.T, m *Manager, r *recorder) {
	id, err := m.CheckAllBackups()
	require.NoError(t, err)
	r.wait(t, CheckComplete, id)
}

///////////////////////////////////////////////////////////////////////////

func TestCollapse(t *testing.T) {
	c := collapse([]change{
		{"/s/b", Created}, {"/s/a", Changed}, {"/s/b", Deleted}, {"/s/b", Created}, {"/s/a", Deleted},
	})
	assert.Equal(t, []change{{"/s/a", Deleted}, {"/s/b", Created}}, c)
}

func TestHidden(t *testing.T) {
	j := &Job{Source: "/home/u/.config"}
	assert.False(t, j.hidden("/home/u/.config/app/settings"))
	assert.True(t, j.hidden("/home/u/.config/app/.cache/x"))
	assert.True(t, j.hidden("/home/u/.config/.x"))
	assert.False(t, j.hidden("/home/u/.config"))
}

func TestStaged(t *testing.T) {
	j := &Job{Name: "docs", Enabled: true, Rules: rules.New()}
	j.StageName("documents")
	j.StageEnabled(false)
	require.NoError(t, j.StageRule(rules.NewRule("/x", rules.RejectAll, "", ""), 0))

	p := j.Staged()
	assert.Equal(t, "documents", p.Name)
	assert.False(t, p.Enabled)
	assert.Len(t, p.Rules.Categories(), 1)

	// The job itself is unchanged until reload.
	assert.Equal(t, "docs", j.Name)
	assert.True(t, j.Enabled)
	assert.Empty(t, j.Rules.Categories())
	assert.True(t, j.accepts("/x/y"))
}

func TestValidation(t *testing.T) {
	keys := newKeys(t)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "reg"), "")
	require.NoError(t, err)
	defer reg.Close()

	enc := func(name, prefix string, key uint16, target string) *Job {
		return &Job{Kind: Encrypted, Name: name, Source: "/s/" + name, EmbeddedPrefix: prefix,
			KeyNumber: key, TargetName: target, Container: "c"}
	}
	targets := map[string]storage.Target{"mem": storage.NewMemory()}

	_, err = NewManager([]*Job{enc("a", "p", keyNumber, "mem"), enc("b", "p", keyNumber, "mem")},
		reg, targets, keys, Options{})
	assert.ErrorContains(t, err, "embedded prefix")

	_, err = NewManager([]*Job{enc("a", "p", 7, "mem")}, reg, targets, keys, Options{})
	assert.ErrorContains(t, err, "key 7")

	_, err = NewManager([]*Job{enc("a", "p", keyNumber, "s3")}, reg, targets, keys, Options{})
	assert.ErrorContains(t, err, "unknown destination")

	_, err = NewManager([]*Job{enc("a", "p", keyNumber, "mem")}, nil, targets, keys, Options{})
	assert.ErrorContains(t, err, "registry")

	m, err := NewManager([]*Job{enc("a", "p", keyNumber, "mem"), enc("b", "q", keyNumber, storage.DiskName)},
		reg, targets, keys, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, m.opts.IdleWindow)
	assert.EqualValues(t, 1024*1024, m.opts.CloudLiveMaxSize)
}

func TestPlainSweep(t *testing.T) {
	src := sourceTree(t)
	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "old.txt"), "stale", mtime)
	writeFile(t, filepath.Join(dst, "sub", "skip.tmp"), "stale", mtime)

	var r recorder
	job := &Job{Kind: Plain, Name: "plain", Enabled: true, Source: src, Destination: dst, Rules: testRules(src)}
	m, err := NewManager([]*Job{job}, nil, nil, nil, fastOptions(&r))
	require.NoError(t, err)
	m.Start()
	defer m.Quit(true)

	runCheckAll(t, m, &r)
	assert.Empty(t, r.errors())

	for _, name := range []string{"a.txt", filepath.Join("sub", "b.txt")} {
		fi, err := os.Stat(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.True(t, fi.ModTime().Equal(mtime), name)
	}
	for _, name := range []string{"old.txt", ".hidden", filepath.Join(".git", "config"), filepath.Join("sub", "skip.tmp")} {
		assert.NoFileExists(t, filepath.Join(dst, name))
	}

	// A changed time is enough to copy again.
	later := mtime.Add(time.Hour)
	writeFile(t, filepath.Join(src, "a.txt"), "alpha 2", later)
	require.NoError(t, os.Remove(filepath.Join(src, "sub", "b.txt")))
	runCheckAll(t, m, &r)

	b, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha 2", string(b))
	assert.NoFileExists(t, filepath.Join(dst, "sub", "b.txt"))
}

type encryptedFixture struct {
	src    string
	mem    *storage.Memory
	reg    *registry.Registry
	keys   keyMap
	m      *Manager
	r      *recorder
	regDir string
}

func newEncrypted(t *testing.T, opts func(*Options)) *encryptedFixture {
	f := &encryptedFixture{
		src:    sourceTree(t),
		mem:    storage.NewMemory(),
		keys:   newKeys(t),
		r:      &recorder{},
		regDir: t.TempDir(),
	}
	var err error
	f.reg, err = registry.Open(filepath.Join(f.regDir, "registry.txt"), "")
	require.NoError(t, err)

	job := &Job{Kind: Encrypted, Name: "enc", Enabled: true, Source: f.src, Rules: testRules(f.src),
		EmbeddedPrefix: "home", KeyNumber: keyNumber, TargetName: "mem", Container: "bucket"}
	o := fastOptions(f.r)
	if opts != nil {
		opts(&o)
	}
	f.m, err = NewManager([]*Job{job}, f.reg, map[string]storage.Target{"mem": f.mem}, f.keys, o)
	require.NoError(t, err)
	f.m.Start()
	t.Cleanup(func() { f.m.Quit(true) })
	return f
}

func TestEncryptedSweep(t *testing.T) {
	f := newEncrypted(t, nil)
	runCheckAll(t, f.m, f.r)
	assert.Empty(t, f.r.errors())
	assert.Equal(t, 2, f.mem.Uploads())

	a := filepath.Join(f.src, "a.txt")
	st := f.reg.Status(a)
	require.Equal(t, registry.File, st.Kind)
	assert.True(t, st.ModTime.Equal(mtime))
	obj, ok := f.mem.Object("bucket", st.AltName)
	require.True(t, ok)

	// The object decodes to the file, with the embedded prefix in place
	// of the source directory.
	var info codec.StreamInfo
	out := filepath.Join(t.TempDir(), "a.txt")
	d := codec.NewDecoder(f.keys)
	d.Reset(nil, func(si codec.StreamInfo) string { info = si; return out })
	_, err := d.Write(obj)
	require.NoError(t, err)
	require.NoError(t, d.Flush())
	assert.Equal(t, filepath.Join("home", "a.txt"), info.RelativePath)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(b))

	// Nothing changed: nothing to do.
	runCheckAll(t, f.m, f.r)
	assert.Equal(t, 2, f.mem.Uploads())

	// Touch one, remove the other, and remove a whole directory.
	writeFile(t, a, "alpha", mtime.Add(time.Second))
	require.NoError(t, os.RemoveAll(filepath.Join(f.src, "sub")))
	runCheckAll(t, f.m, f.r)
	assert.Empty(t, f.r.errors())
	assert.Equal(t, 3, f.mem.Uploads())
	assert.Equal(t, 1, f.mem.Deletes())
	assert.Equal(t, registry.None, f.reg.Status(filepath.Join(f.src, "sub", "b.txt")).Kind)
	assert.Equal(t, st.AltName, f.reg.Status(a).AltName)
}

func TestDebounce(t *testing.T) {
	f := newEncrypted(t, nil)
	path := filepath.Join(f.src, "new.txt")

	// Created, deleted and created again within the idle window: one
	// upload of the final contents.
	f.m.Notify(path, Created)
	f.m.Notify(path, Deleted)
	writeFile(t, path, "new", mtime)
	f.m.Notify(path, Created)
	f.m.Notify(path, Changed)

	require.Eventually(t, func() bool { return f.mem.Uploads() == 1 }, 10*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.mem.Uploads())

	// Hidden files and directory change events are ignored.
	f.m.Notify(filepath.Join(f.src, ".hidden"), Changed)
	f.m.Notify(filepath.Join(f.src, "sub"), Changed)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.mem.Uploads())

	require.NoError(t, os.Remove(path))
	f.m.Notify(path, Deleted)
	require.Eventually(t, func() bool { return f.mem.Deletes() == 1 }, 10*time.Second, 5*time.Millisecond)

	// A new directory is backed up recursively.
	writeFile(t, filepath.Join(f.src, "dir", "x", "y.txt"), "y", mtime)
	f.m.Notify(filepath.Join(f.src, "dir"), Created)
	require.Eventually(t, func() bool { return f.mem.Uploads() == 2 }, 10*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.r.errors())
}

func TestCloudLiveLimit(t *testing.T) {
	f := newEncrypted(t, func(o *Options) { o.CloudLiveMaxSize = 4 })
	path := filepath.Join(f.src, "big.txt")
	writeFile(t, path, "more than four bytes", mtime)
	f.m.Notify(path, Created)

	require.Eventually(t, func() bool {
		f.r.mu.Lock()
		defer f.r.mu.Unlock()
		for _, e := range f.r.events {
			if e.Type == Log && strings.HasPrefix(e.Message, path) {
				return true
			}
		}
		return false
	}, 10*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.mem.Uploads())

	// A check isn't limited.
	runCheckAll(t, f.m, f.r)
	assert.Equal(t, registry.File, f.reg.Status(path).Kind)
}

func TestUploadFailure(t *testing.T) {
	f := newEncrypted(t, nil)
	f.mem.Fail = func(op, container, name string) error {
		if op == "upload" {
			return os.ErrPermission
		}
		return nil
	}
	runCheckAll(t, f.m, f.r)

	// Per-file errors are reported and the manager keeps going; the
	// registry records unknown times so the next check retries.
	assert.Len(t, f.r.errors(), 2)
	assert.NoError(t, f.m.Err())
	st := f.reg.Status(filepath.Join(f.src, "a.txt"))
	assert.Equal(t, registry.File, st.Kind)
	assert.True(t, st.ModTime.IsZero())

	f.mem.Fail = nil
	runCheckAll(t, f.m, f.r)
	assert.Equal(t, 2, f.mem.Uploads())
}

func TestFatal(t *testing.T) {
	var r recorder
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.txt"), "")
	require.NoError(t, err)
	src := sourceTree(t)
	job := &Job{Kind: Encrypted, Name: "enc", Enabled: true, Source: src, EmbeddedPrefix: "p",
		KeyNumber: keyNumber, TargetName: "mem", Container: "bucket"}
	m, err := NewManager([]*Job{job}, reg, map[string]storage.Target{"mem": storage.NewMemory()},
		newKeys(t), fastOptions(&r))
	require.NoError(t, err)

	// Registry writes now fail.
	require.NoError(t, reg.Close())
	m.Start()

	_, err = m.CheckAllBackups()
	require.NoError(t, err)
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker didn't exit")
	}

	require.Error(t, m.Err())
	errs := r.errors()
	require.NotEmpty(t, errs)
	assert.True(t, errs[len(errs)-1].Fatal)

	_, err = m.CheckAllBackups()
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, m.StartLive(), ErrHalted)
	m.Quit(true)
}

func TestRestoreCommands(t *testing.T) {
	f := newEncrypted(t, nil)
	runCheckAll(t, f.m, f.r)

	rm := restore.NewManager()
	require.NoError(t, rm.Add(&restore.Restorer{Target: f.mem, TargetName: "mem", Container: "bucket",
		FilePrefixes: []string{"a"}, Keys: f.keys}))

	id, err := f.m.GetRestoreInfo(rm, []int{0}, false)
	require.NoError(t, err)
	e := f.r.wait(t, RestoreInfoReady, id)
	require.NotNil(t, e.Info)
	assert.Equal(t, 2, e.Info.Files)
	assert.Equal(t, []string{"home"}, e.Info.SortedPrefixes())

	dest := t.TempDir()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "restored.txt"), "")
	require.NoError(t, err)
	defer reg.Close()
	id, err = f.m.Restore(rm, restore.Settings{Indices: []int{0}, Lookup: map[string]string{"home": dest}, Registry: reg})
	require.NoError(t, err)
	e = f.r.wait(t, RestoreComplete, id)
	require.NoError(t, e.Err)

	b, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(b))
}

func TestWatcher(t *testing.T) {
	f := newEncrypted(t, nil)
	require.NoError(t, f.m.StartLive())

	writeFile(t, filepath.Join(f.src, "watched.txt"), "w", time.Now())
	require.Eventually(t, func() bool {
		return f.reg.Status(filepath.Join(f.src, "watched.txt")).Kind == registry.File
	}, 10*time.Second, 10*time.Millisecond)

	// A check pauses watching and then resumes it.
	runCheckAll(t, f.m, f.r)
	writeFile(t, filepath.Join(f.src, "sub", "later.txt"), "l", time.Now())
	require.Eventually(t, func() bool {
		return f.reg.Status(filepath.Join(f.src, "sub", "later.txt")).Kind == registry.File
	}, 10*time.Second, 10*time.Millisecond)
	f.m.StopLive()
}
