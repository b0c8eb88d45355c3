// backup/watch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	u "github.com/mmp/bkmirror/util"
)

// watcher follows a source tree and reports changes to notify. fsnotify
// only watches single directories, so every directory in the tree is
// added, including ones created later.
type watcher struct {
	fw     *fsnotify.Watcher
	root   string
	notify func(path string, kind ChangeKind)
	done   chan struct{}
}

func newWatcher(root string, notify func(string, ChangeKind)) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fw: fw, root: root, notify: notify, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Vanished or unreadable; not worth stopping for.
			log.Debug("%s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && u.IsHidden(path) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			log.Warning("%s: unable to watch: %v", path, err)
		}
		return nil
	})
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warning("%s: watcher: %v", w.root, err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	log.Debug("watch: %s", ev)
	switch {
	case ev.Has(fsnotify.Create):
		w.notify(ev.Name, Created)
		if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() && !u.IsHidden(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				log.Debug("%s: %v", ev.Name, err)
			}
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		w.notify(ev.Name, Changed)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A rename reports the old name here; the new one arrives as a
		// Create.
		w.notify(ev.Name, Deleted)
	}
}

func (w *watcher) close() {
	w.fw.Close()
	<-w.done
}
