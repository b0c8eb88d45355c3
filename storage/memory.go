// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory is a Target that keeps all objects in RAM. It's really only
// useful for testing code built on top of Target; it also counts
// operations so that tests can check how much work was done.
type Memory struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte
	uploads    int
	deletes    int
	// If non-nil, called before every operation; a non-nil return fails
	// the operation.
	Fail func(op, container, name string) error
}

func NewMemory() *Memory {
	return &Memory{containers: make(map[string]map[string][]byte)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) check(op, container, name string) error {
	if m.Fail != nil {
		return m.Fail(op, container, name)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, container string, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("list", container, ""); err != nil {
		return nil, err
	}

	var names []string
	for n := range m.containers[container] {
		names = append(names, n)
	}
	sort.Strings(names)
	return limitNames(names, max), nil
}

func (m *Memory) Upload(ctx context.Context, r io.Reader, size int64, container, name string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(b)) != size {
		return fmt.Errorf("%s: read %d bytes, expected %d", name, len(b), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upload", container, name); err != nil {
		return err
	}
	c, ok := m.containers[container]
	if !ok {
		c = make(map[string][]byte)
		m.containers[container] = c
	}
	c[name] = b
	m.uploads++
	return nil
}

func (m *Memory) Download(ctx context.Context, container, name string, w io.Writer, start, length int64) error {
	m.mu.Lock()
	if err := m.check("download", container, name); err != nil {
		m.mu.Unlock()
		return err
	}
	b, ok := m.containers[container][name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s/%s: %w", container, name, ErrNotFound)
	}

	if start > int64(len(b)) {
		start = int64(len(b))
	}
	b = b[start:]
	if length > 0 && length < int64(len(b)) {
		b = b[:length]
	}
	_, err := io.Copy(w, bytes.NewReader(b))
	return err
}

func (m *Memory) Delete(ctx context.Context, container string, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if err := m.check("delete", container, n); err != nil {
			return err
		}
		if _, ok := m.containers[container][n]; ok {
			delete(m.containers[container], n)
			m.deletes++
		}
	}
	return nil
}

// Uploads returns the number of successful uploads so far.
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Deletes returns the number of objects removed so far.
func (m *Memory) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

// Object returns a copy of the named object's contents.
func (m *Memory) Object(container, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.containers[container][name]
	return append([]byte(nil), b...), ok
}
