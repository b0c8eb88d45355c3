// rules/rules_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rules

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func p(parts ...string) string {
	return filepath.Join(parts...)
}

func TestLongestPrefixDecides(t *testing.T) {
	src := p("/", "src")
	e := New()
	require.NoError(t, e.Add(NewRule(src, AcceptAll, "", ""), 0))
	require.NoError(t, e.Add(NewRule(p(src, "tmp"), RejectAll, "", ""), 0))

	assert.True(t, e.Accepts(p(src, "a.txt")))
	assert.False(t, e.Accepts(p(src, "tmp", "b.txt")))
	assert.True(t, e.Accepts(p("/", "elsewhere", "c.txt")), "no rule applies")
}

func TestSortIsIndependentOfInsertionOrder(t *testing.T) {
	src := p("/", "src")
	e := New()
	require.NoError(t, e.Add(NewRule(p(src, "tmp"), RejectAll, "", ""), 0))
	require.NoError(t, e.Add(NewRule(src, AcceptAll, "", ""), 0))
	assert.False(t, e.Accepts(p(src, "tmp", "b.txt")))

	cats := e.Categories()
	require.Len(t, cats, 1)
	assert.Equal(t, p(src, "tmp"), cats[0][0].Directory)
}

func TestSuffixKinds(t *testing.T) {
	src := p("/", "src")
	e := New()
	require.NoError(t, e.Add(NewRule(src, RejectSuffix, ".tmp .bak", ""), 0))
	assert.False(t, e.Accepts(p(src, "x.tmp")))
	assert.False(t, e.Accepts(p(src, "d", "x.bak")))
	assert.True(t, e.Accepts(p(src, "x.go")))

	docs := p("/", "docs")
	require.NoError(t, e.Add(NewRule(docs, AcceptSuffix, ".pdf", ""), 0))
	assert.True(t, e.Accepts(p(docs, "paper.pdf")))
	assert.False(t, e.Accepts(p(docs, "paper.doc")))
}

func TestRejectSubdir(t *testing.T) {
	src := p("/", "src")
	r := NewRule(src, RejectSubdir, "", "node_modules .git")
	assert.Equal(t, []string{"node_modules", ".git"}, r.Subdirs)
	assert.Empty(t, r.Suffixes)

	assert.False(t, r.Accepts(p(src, "web", "node_modules", "x.js")))
	assert.False(t, r.Accepts(p(src, ".git", "HEAD")))
	// Only directory components count, not the file name.
	assert.True(t, r.Accepts(p(src, "web", "node_modules")))
	assert.True(t, r.Accepts(p(src, "web", "app.js")))
}

func TestCategoriesVeto(t *testing.T) {
	src := p("/", "src")
	e := New()
	require.NoError(t, e.Add(NewRule(src, AcceptAll, "", ""), 0))
	require.NoError(t, e.Add(NewRule(src, RejectSuffix, ".o", ""), 1))

	assert.True(t, e.Accepts(p(src, "main.c")))
	assert.False(t, e.Accepts(p(src, "main.o")), "second category rejects")
}

func TestAddReplacesAndValidatesCategory(t *testing.T) {
	src := p("/", "src")
	e := New()
	assert.Error(t, e.Add(NewRule(src, AcceptAll, "", ""), 1))
	require.NoError(t, e.Add(NewRule(src, AcceptAll, "", ""), 0))
	require.NoError(t, e.Add(NewRule(src, RejectAll, "", ""), 0))

	cats := e.Categories()
	require.Len(t, cats[0], 1)
	assert.Equal(t, RejectAll, cats[0][0].Kind)
	assert.False(t, e.Accepts(p(src, "a")))
}

func TestDeterminism(t *testing.T) {
	src := p("/", "src")
	e := New()
	require.NoError(t, e.Add(NewRule(src, RejectSubdir, "", "cache"), 0))
	require.NoError(t, e.Add(NewRule(p(src, "keep"), AcceptSuffix, ".txt", ""), 0))
	for _, path := range []string{p(src, "keep", "a.txt"), p(src, "cache", "b"), p(src, "keep", "b.bin")} {
		first := e.Accepts(path)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, e.Accepts(path), path)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := New()
	require.NoError(t, e.Add(NewRule("/a", RejectSuffix, ".x", ""), 0))
	c := e.Clone()
	require.NoError(t, c.Add(NewRule("/a", AcceptAll, "", ""), 0))
	assert.False(t, e.Accepts("/a/f.x"))
	assert.True(t, c.Accepts("/a/f.x"))
}

func TestParseKindAndString(t *testing.T) {
	for _, s := range []string{"RejectSubdir", "REJECT_SUBDIR", "rejectsubdir"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, RejectSubdir, k)
	}
	_, err := ParseKind("AcceptSome")
	assert.Error(t, err)

	r := NewRule("/a", RejectSuffix, ".x .y", "")
	assert.Equal(t, "/a\tRejectSuffix\t.x .y", r.String())
}
