// backup/queue.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"sort"

	"github.com/google/uuid"

	"github.com/mmp/bkmirror/restore"
)

// ChangeKind is what a file system watcher saw happen to a path.
type ChangeKind int

const (
	Created ChangeKind = iota
	Changed
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	default:
		return "deleted"
	}
}

type change struct {
	path string
	kind ChangeKind
}

// collapse reduces a sequence of changes to the last one seen for each
// path, sorted by path.
func collapse(changes []change) []change {
	latest := make(map[string]ChangeKind)
	for _, c := range changes {
		latest[c.path] = c.kind
	}
	var out []change
	for path, kind := range latest {
		out = append(out, change{path: path, kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

type commandType int

const (
	checkAll commandType = iota
	restoreInfo
	restoreRun
)

type command struct {
	typ       commandType
	id        uuid.UUID
	rm        *restore.Manager
	indices   []int
	skipNames bool
	settings  restore.Settings
	// Whether live backup was running when a check was requested.
	resumeLive bool
}
