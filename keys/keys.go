// keys/keys.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package keys manages the numbered AES-256 keys used for encrypted
// backups. Each key is identified by a 16-bit number, which is recorded in
// the header of every file encrypted with it, and may also have a unique
// name.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	u "github.com/mmp/bkmirror/util"
)

const (
	KeySize = 32
	// Numbers below this are never handed out by Add.
	firstNumber = 100
)

var ErrDuplicateName = errors.New("a key with that name already exists")

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

type Store struct {
	values  map[uint16][]byte
	numbers map[string]uint16
	highest uint16
}

func NewStore() *Store {
	return &Store{
		values:  make(map[uint16][]byte),
		numbers: make(map[string]uint16),
		highest: firstNumber - 1,
	}
}

// Key returns the key with the given number.
func (s *Store) Key(number uint16) ([]byte, bool) {
	k, ok := s.values[number]
	return k, ok
}

// Base64 returns the key with the given number in base64, the form used
// when keys are exchanged by hand.
func (s *Store) Base64(number uint16) (string, bool) {
	k, ok := s.values[number]
	if !ok {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(k), true
}

func (s *Store) NameAvailable(name string) bool {
	_, ok := s.numbers[strings.TrimSpace(name)]
	return !ok
}

// Add generates a new random key and returns its number. name is
// optional but must be unique if given.
func (s *Store) Add(name string) (uint16, error) {
	name = strings.TrimSpace(name)
	if name != "" && !s.NameAvailable(name) {
		return 0, fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}
	if s.highest == 0xffff {
		return 0, errors.New("no key numbers left")
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, err
	}

	s.highest++
	s.values[s.highest] = key
	if name != "" {
		s.numbers[name] = s.highest
	}
	log.Verbose("added key %d %q", s.highest, name)
	return s.highest, nil
}

// Import adds an existing key under the given number.
func (s *Store) Import(number uint16, name string, key []byte) error {
	if number == 0 {
		return errors.New("key number 0 is reserved")
	}
	if len(key) != KeySize {
		return fmt.Errorf("key %d: keys must be %d bytes, got %d", number, KeySize, len(key))
	}
	if _, ok := s.values[number]; ok {
		return fmt.Errorf("key %d: number already in use", number)
	}
	name = strings.TrimSpace(name)
	if name != "" && !s.NameAvailable(name) {
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}

	s.values[number] = append([]byte(nil), key...)
	if name != "" {
		s.numbers[name] = number
	}
	if number > s.highest {
		s.highest = number
	}
	return nil
}

// ImportBase64 is Import for a base64 encoded key.
func (s *Store) ImportBase64(number uint16, name, key string) error {
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return fmt.Errorf("key %d: %w", number, err)
	}
	return s.Import(number, name, k)
}

func (s *Store) Number(name string) (uint16, bool) {
	n, ok := s.numbers[strings.TrimSpace(name)]
	return n, ok
}

// Names returns the names of the named keys, sorted.
func (s *Store) Names() []string {
	var names []string
	for n := range s.numbers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Numbers returns every key number, sorted.
func (s *Store) Numbers() []uint16 {
	var nums []uint16
	for n := range s.values {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Name returns the name of the key with the given number, or "".
func (s *Store) Name(number uint16) string {
	for name, n := range s.numbers {
		if n == number {
			return name
		}
	}
	return ""
}

// ordered returns key numbers with named keys first, each group sorted.
func (s *Store) ordered() []uint16 {
	var nums []uint16
	seen := make(map[uint16]bool)
	for _, name := range s.Names() {
		n := s.numbers[name]
		if _, ok := s.values[n]; ok && !seen[n] {
			nums = append(nums, n)
			seen[n] = true
		}
	}
	for _, n := range s.Numbers() {
		if !seen[n] {
			nums = append(nums, n)
		}
	}
	return nums
}
