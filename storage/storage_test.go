// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"
)

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := tt.target.Upload(ctx, bytes.NewReader(simple), int64(len(simple)), tt.container, "simple"); err != nil {
			t.Fatalf("%s: upload: %v", tt.target, err)
		}

		var buf bytes.Buffer
		if err := DownloadAll(ctx, tt.target, tt.container, "simple", &buf); err != nil {
			t.Errorf("%s: download: %v", tt.target, err)
		}
		if !bytes.Equal(simple, buf.Bytes()) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", tt.target, simple, buf.Bytes())
		}
	}
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		b := genRandom(4096)
		if err := tt.target.Upload(ctx, bytes.NewReader(b), int64(len(b)), tt.container, "r"); err != nil {
			t.Fatalf("%s: upload: %v", tt.target, err)
		}

		for _, c := range []struct{ start, length int64 }{
			{0, 38}, {100, 1}, {4000, 96}, {4000, 1000}, {17, 0}, {4096, 10},
		} {
			var buf bytes.Buffer
			if err := tt.target.Download(ctx, tt.container, "r", &buf, c.start, c.length); err != nil {
				t.Errorf("%s: %+v: download: %v", tt.target, c, err)
				continue
			}
			end := int64(len(b))
			if c.length > 0 && c.start+c.length < end {
				end = c.start + c.length
			}
			if !bytes.Equal(b[c.start:end], buf.Bytes()) {
				t.Errorf("%s: %+v: got %d bytes, expected %d", tt.target, c, buf.Len(), end-c.start)
			}
		}
	}
}

func TestListDelete(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		if names, err := tt.target.List(ctx, tt.container, 0); err != nil || len(names) != 0 {
			t.Errorf("%s: empty container: got %v, %v", tt.target, names, err)
		}

		var expected []string
		for i := 0; i < 12; i++ {
			name := fmt.Sprintf("a%d.bk", 1000+i)
			expected = append(expected, name)
			b := genRandom(i * 100)
			if err := tt.target.Upload(ctx, bytes.NewReader(b), int64(len(b)), tt.container, name); err != nil {
				t.Fatalf("%s: upload: %v", tt.target, err)
			}
		}

		names, err := tt.target.List(ctx, tt.container, 0)
		if err != nil {
			t.Fatalf("%s: list: %v", tt.target, err)
		}
		if fmt.Sprint(names) != fmt.Sprint(expected) {
			t.Errorf("%s: list: got %v, expected %v", tt.target, names, expected)
		}
		if names, _ := tt.target.List(ctx, tt.container, 5); len(names) != 5 {
			t.Errorf("%s: list with max 5 gave %d names", tt.target, len(names))
		}

		if err := tt.target.Delete(ctx, tt.container, "a1003.bk", "a1007.bk", "nonexistent"); err != nil {
			t.Errorf("%s: delete: %v", tt.target, err)
		}
		// Deleting again is fine.
		if err := tt.target.Delete(ctx, tt.container, "a1003.bk"); err != nil {
			t.Errorf("%s: second delete: %v", tt.target, err)
		}
		names, _ = tt.target.List(ctx, tt.container, 0)
		if len(names) != 10 {
			t.Errorf("%s: expected 10 names after delete, got %v", tt.target, names)
		}

		err = DownloadAll(ctx, tt.target, tt.container, "a1003.bk", &bytes.Buffer{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", tt.target, err)
		}
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		for _, s := range []string{"first version", "second"} {
			if err := tt.target.Upload(ctx, bytes.NewReader([]byte(s)), int64(len(s)), tt.container, "x"); err != nil {
				t.Fatalf("%s: upload: %v", tt.target, err)
			}
		}
		var buf bytes.Buffer
		if err := DownloadAll(ctx, tt.target, tt.container, "x", &buf); err != nil || buf.String() != "second" {
			t.Errorf("%s: got %q, %v", tt.target, buf.String(), err)
		}
	}
}

func TestSizeMismatch(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		err := tt.target.Upload(ctx, bytes.NewReader([]byte("abc")), 10, tt.container, "short")
		if err == nil {
			t.Errorf("%s: expected an error for a short upload", tt.target)
		}
		if names, _ := tt.target.List(ctx, tt.container, 0); len(names) != 0 {
			t.Errorf("%s: failed upload left %v behind", tt.target, names)
		}
	}
}

func TestDiskNames(t *testing.T) {
	ctx := context.Background()
	d := NewDisk()
	dir := t.TempDir()
	for _, name := range []string{"", "..", "a" + string(os.PathSeparator) + "b"} {
		err := d.Upload(ctx, bytes.NewReader(nil), 0, dir, name)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%q: expected ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestMemoryFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	injected := errors.New("injected")
	m.Fail = func(op, container, name string) error {
		if op == "upload" && name == "bad" {
			return injected
		}
		return nil
	}
	if err := m.Upload(ctx, bytes.NewReader([]byte("x")), 1, "c", "bad"); err != injected {
		t.Errorf("expected injected error, got %v", err)
	}
	if err := m.Upload(ctx, bytes.NewReader([]byte("x")), 1, "c", "good"); err != nil {
		t.Errorf("good upload: %v", err)
	}
	if m.Uploads() != 1 {
		t.Errorf("expected 1 upload, got %d", m.Uploads())
	}
}

func TestManyRandom(t *testing.T) {
	ctx := context.Background()
	for _, tt := range getStorage(t) {
		objects := make(map[string][]byte)
		for i := 0; i < 50; i++ {
			b := genRandom(rand.Intn(64 * 1024))
			name := fmt.Sprintf("obj%03d", i)
			objects[name] = b
			if err := tt.target.Upload(ctx, bytes.NewReader(b), int64(len(b)), tt.container, name); err != nil {
				t.Fatalf("%s: upload: %v", tt.target, err)
			}
		}
		for name, b := range objects {
			var buf bytes.Buffer
			if err := DownloadAll(ctx, tt.target, tt.container, name, &buf); err != nil {
				t.Errorf("%s: %s: %v", tt.target, name, err)
			} else if !bytes.Equal(b, buf.Bytes()) {
				t.Errorf("%s: %s: contents mismatch", tt.target, name)
			}
		}
	}
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

type testTarget struct {
	target    Target
	container string
}

// Each call gets fresh, empty containers.
func getStorage(t *testing.T) []testTarget {
	l := NewLimiter(64*1024*1024, 64*1024*1024)
	t.Cleanup(l.Stop)

	return []testTarget{
		{NewMemory(), "bucket"},
		{NewDisk(), t.TempDir()},
		{NewRateLimited(NewDisk(), l), t.TempDir()},
	}
}

func TestRefill(t *testing.T) {
	for _, c := range []struct{ avail, perSecond, want int }{
		{0, 0, 0},
		{0, 1, 1},
		{0, 8, 1},
		{0, 800, 94},
		{750, 800, 800},
	} {
		if got := refill(c.avail, c.perSecond); got != c.want {
			t.Errorf("refill(%d, %d) = %d; expected %d", c.avail, c.perSecond, got, c.want)
		}
	}
}

func TestLowRateProgresses(t *testing.T) {
	l := NewLimiter(8, 1)
	defer l.Stop()

	done := make(chan error, 2)
	go func() {
		b, err := io.ReadAll(l.UploadReader(bytes.NewReader([]byte{42})))
		if err == nil && len(b) != 1 {
			err = fmt.Errorf("read %d bytes; expected 1", len(b))
		}
		done <- err
	}()
	go func() {
		_, err := io.ReadAll(l.DownloadReader(bytes.NewReader([]byte{1, 2})))
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Error(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("limited read is still blocked")
		}
	}
}
