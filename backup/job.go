// backup/job.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mmp/bkmirror/rules"
	u "github.com/mmp/bkmirror/util"
)

type Kind int

const (
	// Plain jobs copy files as they are to another directory.
	Plain Kind = iota
	// Encrypted jobs encode files and store them under registry-assigned
	// names in a target.
	Encrypted
)

func (k Kind) String() string {
	if k == Encrypted {
		return "encrypted"
	}
	return "plain"
}

// Params are the parts of a job that can be edited while it runs. Edits
// are staged and only take effect when the configuration is saved and
// reloaded.
type Params struct {
	Name    string
	Enabled bool
	Rules   *rules.Engine
}

// Job describes one source tree and where it is mirrored to.
type Job struct {
	Kind    Kind
	Name    string
	Enabled bool
	Source  string
	Rules   *rules.Engine

	// Plain jobs: the directory the tree is copied to.
	Destination string

	// Encrypted jobs.
	EmbeddedPrefix string
	KeyNumber      uint16
	// storage.DiskName or the name of a cloud target.
	TargetName string
	// Directory or bucket that objects are stored in.
	Container string

	mu     sync.Mutex
	staged *Params
}

func (j *Job) String() string {
	if j.Kind == Encrypted {
		return fmt.Sprintf("%s [%s: %s -> %s:%s]", j.Name, j.Kind, j.Source, j.TargetName, j.Container)
	}
	return fmt.Sprintf("%s [%s: %s -> %s]", j.Name, j.Kind, j.Source, j.Destination)
}

func (j *Job) accepts(path string) bool {
	return j.Rules == nil || j.Rules.Accepts(path)
}

// contains reports whether path is the job's source or lies below it.
func (j *Job) contains(path string) bool {
	return path == j.Source || strings.HasPrefix(path, j.Source+string(filepath.Separator))
}

// hidden reports whether path, or any directory between the source and
// it, is hidden.
func (j *Job) hidden(path string) bool {
	if !j.contains(path) {
		return u.IsHidden(path)
	}
	for _, part := range strings.Split(path[len(j.Source):], string(filepath.Separator)) {
		if part != "" && u.IsHidden(part) {
			return true
		}
	}
	return false
}

func (j *Job) relative(path string) string {
	return path[len(j.Source):]
}

///////////////////////////////////////////////////////////////////////////
// Staged parameters

// stagedLocked returns the staged parameters, initializing them from the
// job's current ones on first use. j.mu must be held.
func (j *Job) stagedLocked() *Params {
	if j.staged == nil {
		r := rules.New()
		if j.Rules != nil {
			r = j.Rules.Clone()
		}
		j.staged = &Params{Name: j.Name, Enabled: j.Enabled, Rules: r}
	}
	return j.staged
}

func (j *Job) StageName(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stagedLocked().Name = name
}

func (j *Job) StageEnabled(enabled bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stagedLocked().Enabled = enabled
}

// StageRule adds r to the staged rules.
func (j *Job) StageRule(r rules.Rule, category int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stagedLocked().Rules.Add(r, category)
}

// StageRules replaces the staged rules.
func (j *Job) StageRules(e *rules.Engine) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stagedLocked().Rules = e.Clone()
}

// Staged returns a copy of the staged parameters.
func (j *Job) Staged() Params {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := *j.stagedLocked()
	p.Rules = p.Rules.Clone()
	return p
}
