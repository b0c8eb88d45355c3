// rules/rules.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rules decides which files under a backup source are included.
//
// Rules are grouped into categories. Within a category the rule with the
// longest directory that is a prefix of a path decides for that category;
// a rejection in any category excludes the path. Paths that no rule
// applies to are accepted.
package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Kind int

const (
	AcceptAll Kind = iota
	RejectAll
	AcceptSuffix
	RejectSuffix
	RejectSubdir
)

var kindNames = [...]string{"AcceptAll", "RejectAll", "AcceptSuffix", "RejectSuffix", "RejectSubdir"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind accepts the names returned by Kind.String, case-insensitively,
// along with the upper-case underscore forms (e.g. "REJECT_SUB_DIR").
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for i, n := range kindNames {
		if strings.ToLower(n) == norm {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%s: unknown rule kind", s)
}

///////////////////////////////////////////////////////////////////////////
// Rule

type Rule struct {
	Directory string
	Kind      Kind
	// Used by AcceptSuffix and RejectSuffix.
	Suffixes []string
	// Used by RejectSubdir.
	Subdirs []string
}

// NewRule returns a rule for dir. suffixes and subdirs are lists separated
// by spaces; only the one relevant to kind is kept.
func NewRule(dir string, kind Kind, suffixes, subdirs string) Rule {
	r := Rule{Directory: dir, Kind: kind}
	switch kind {
	case AcceptSuffix, RejectSuffix:
		r.Suffixes = strings.Fields(suffixes)
	case RejectSubdir:
		r.Subdirs = strings.Fields(subdirs)
	}
	return r
}

func (r Rule) AppliesTo(path string) bool {
	return strings.HasPrefix(path, r.Directory)
}

// Accepts assumes AppliesTo(path) holds.
func (r Rule) Accepts(path string) bool {
	switch r.Kind {
	case AcceptAll:
		return true
	case RejectAll:
		return false
	case AcceptSuffix:
		return r.hasSuffix(path)
	case RejectSuffix:
		return !r.hasSuffix(path)
	case RejectSubdir:
		parts := strings.FieldsFunc(path[len(r.Directory):], func(c rune) bool {
			return c == os.PathSeparator
		})
		// The final component is the file name itself.
		for i := 0; i < len(parts)-1; i++ {
			for _, sub := range r.Subdirs {
				if parts[i] == sub {
					return false
				}
			}
		}
		return true
	}
	return true
}

func (r Rule) hasSuffix(path string) bool {
	for _, s := range r.Suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// String returns the tab separated form "dir\tKind[\tsuffixes][\tsubdirs]".
func (r Rule) String() string {
	s := r.Directory + "\t" + r.Kind.String()
	if len(r.Suffixes) > 0 {
		s += "\t" + strings.Join(r.Suffixes, " ")
	}
	if len(r.Subdirs) > 0 {
		s += "\t" + strings.Join(r.Subdirs, " ")
	}
	return s
}

func (r Rule) clone() Rule {
	c := r
	c.Suffixes = append([]string(nil), r.Suffixes...)
	c.Subdirs = append([]string(nil), r.Subdirs...)
	return c
}

///////////////////////////////////////////////////////////////////////////
// Engine

// Engine holds the rule categories for one backup job. Its methods are
// not synchronized; Accepts may be called concurrently as long as nobody
// is adding rules.
type Engine struct {
	categories [][]Rule
}

func New() *Engine {
	return &Engine{}
}

// Add inserts r into the given category. A rule for a directory that the
// category already has replaces the old one in place. category may be at
// most the current number of categories, in which case a new category is
// started.
func (e *Engine) Add(r Rule, category int) error {
	if category < 0 || category > len(e.categories) {
		return fmt.Errorf("rule category %d out of range; there are %d categories",
			category, len(e.categories))
	}
	if category == len(e.categories) {
		e.categories = append(e.categories, nil)
	}

	list := e.categories[category]
	for i := range list {
		if list[i].Directory == r.Directory {
			list[i] = r
			return nil
		}
	}

	list = append(list, r)
	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].Directory) > len(list[j].Directory)
	})
	e.categories[category] = list
	return nil
}

func (e *Engine) Accepts(path string) bool {
	for _, list := range e.categories {
		for _, r := range list {
			if !r.AppliesTo(path) {
				continue
			}
			if !r.Accepts(path) {
				return false
			}
			break
		}
	}
	return true
}

// Categories returns a copy of the rules, category by category, in
// evaluation order.
func (e *Engine) Categories() [][]Rule {
	return e.Clone().categories
}

func (e *Engine) Clone() *Engine {
	c := &Engine{categories: make([][]Rule, len(e.categories))}
	for i, list := range e.categories {
		c.categories[i] = make([]Rule, len(list))
		for j, r := range list {
			c.categories[i][j] = r.clone()
		}
	}
	return c
}

func (e *Engine) String() string {
	var b strings.Builder
	for i, list := range e.categories {
		fmt.Fprintf(&b, "category %d\n", i)
		for _, r := range list {
			fmt.Fprintf(&b, "  %s\n", r)
		}
	}
	return b.String()
}
