// backup/manager.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup keeps backups of source trees up to date. A Manager owns
// a single worker goroutine that does all of the work: it applies the
// changes reported by file system watchers once the source has been quiet
// for a while, and runs full consistency checks and restores on request.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmp/bkmirror/codec"
	"github.com/mmp/bkmirror/metrics"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
	"github.com/mmp/bkmirror/storage"
	u "github.com/mmp/bkmirror/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

var (
	// ErrHalted is returned for requests made after the worker stopped
	// because of a fatal error.
	ErrHalted = errors.New("backup manager halted after a fatal error")
	ErrQuit   = errors.New("backup manager has quit")
)

type Options struct {
	// How long the sources must be quiet before live changes are applied.
	IdleWindow time.Duration
	// How often quietness is checked.
	Tick time.Duration
	// Live backups to cloud targets skip files larger than this; the
	// next check picks them up.
	CloudLiveMaxSize int64
	// Called on the worker goroutine; it shouldn't block for long.
	OnEvent func(Event)
}

func (o *Options) setDefaults() {
	if o.IdleWindow <= 0 {
		o.IdleWindow = 5 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.CloudLiveMaxSize <= 0 {
		o.CloudLiveMaxSize = 1024 * 1024
	}
}

type Manager struct {
	jobs    []*Job
	mirrors []mirror
	reg     *registry.Registry
	enc     *codec.Encoder
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is shared with other goroutines.
	mu       sync.Mutex
	changes  [][]change
	commands []command
	activity bool
	watchers []*watcher
	live     bool
	started  bool
	quitting bool
	err      error

	wake     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

// NewManager checks that the jobs are consistent with each other and
// with the available targets and keys. Targets are looked up by the
// jobs' TargetName; storage.DiskName is always available. The manager
// takes ownership of reg and closes it when its worker exits.
func NewManager(jobs []*Job, reg *registry.Registry, targets map[string]storage.Target,
	keys codec.KeyLookup, opts Options) (*Manager, error) {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		jobs:    jobs,
		reg:     reg,
		enc:     codec.NewEncoder(),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		changes: make([][]change, len(jobs)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	prefixes := make(map[string]string)
	names := make(map[string]bool)
	for _, j := range jobs {
		j.Source = filepath.Clean(j.Source)
		if names[j.Name] {
			cancel()
			return nil, fmt.Errorf("%s: more than one backup has this name", j.Name)
		}
		names[j.Name] = true

		switch j.Kind {
		case Plain:
			if j.Destination == "" {
				cancel()
				return nil, fmt.Errorf("%s: no destination directory", j.Name)
			}
			j.Destination = filepath.Clean(j.Destination)
			m.mirrors = append(m.mirrors, &plainMirror{j: j})

		case Encrypted:
			if other, ok := prefixes[j.EmbeddedPrefix]; ok {
				cancel()
				return nil, fmt.Errorf("%s: embedded prefix %q is already used by %s",
					j.Name, j.EmbeddedPrefix, other)
			}
			prefixes[j.EmbeddedPrefix] = j.Name
			if j.EmbeddedPrefix == "" {
				cancel()
				return nil, fmt.Errorf("%s: no embedded prefix", j.Name)
			}
			if reg == nil {
				cancel()
				return nil, fmt.Errorf("%s: encrypted backups need a registry", j.Name)
			}
			var key []byte
			if keys != nil {
				key, _ = keys.Key(j.KeyNumber)
			}
			if key == nil {
				cancel()
				return nil, fmt.Errorf("%s: encryption key %d not found", j.Name, j.KeyNumber)
			}
			em := &encryptedMirror{j: j, key: key}
			if j.TargetName == storage.DiskName {
				em.target = storage.NewDisk()
			} else if t, ok := targets[j.TargetName]; ok {
				em.target, em.cloud = t, true
			} else {
				cancel()
				return nil, fmt.Errorf("%s: unknown destination %q", j.Name, j.TargetName)
			}
			m.mirrors = append(m.mirrors, em)

		default:
			cancel()
			return nil, fmt.Errorf("%s: unknown backup kind %d", j.Name, j.Kind)
		}
	}
	return m, nil
}

func (m *Manager) Jobs() []*Job {
	return m.jobs
}

// Start launches the worker.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.quitting {
		return
	}
	m.started = true
	go m.run()
}

///////////////////////////////////////////////////////////////////////////
// Requests; these may be called from any goroutine.

// StartLive starts watching the sources of the enabled jobs.
func (m *Manager) StartLive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	return m.startLiveLocked()
}

func (m *Manager) startLiveLocked() error {
	if m.live {
		return nil
	}
	for i, j := range m.jobs {
		if !j.Enabled {
			continue
		}
		i := i
		w, err := newWatcher(j.Source, func(path string, kind ChangeKind) {
			m.enqueueChange(i, path, kind)
		})
		if err != nil {
			// The watchers already started may be waiting on m.mu.
			ws := m.detachWatchersLocked()
			go closeWatchers(ws)
			return fmt.Errorf("%s: %w", j.Name, err)
		}
		m.watchers = append(m.watchers, w)
	}
	m.live = true
	return nil
}

// StopLive stops watching. Changes already seen are still applied.
func (m *Manager) StopLive() {
	m.mu.Lock()
	ws := m.detachWatchersLocked()
	m.mu.Unlock()
	closeWatchers(ws)
}

// detachWatchersLocked ends live backup. The returned watchers must be
// closed without m.mu held, since they take it to report changes.
func (m *Manager) detachWatchersLocked() []*watcher {
	ws := m.watchers
	m.watchers = nil
	m.live = false
	return ws
}

func closeWatchers(ws []*watcher) {
	for _, w := range ws {
		w.close()
	}
}

// Notify records a change to path for every enabled job whose source
// contains it.
func (m *Manager) Notify(path string, kind ChangeKind) {
	path = filepath.Clean(path)
	for i, j := range m.jobs {
		if j.Enabled && j.contains(path) {
			m.enqueueChange(i, path, kind)
		}
	}
}

func (m *Manager) enqueueChange(job int, path string, kind ChangeKind) {
	m.mu.Lock()
	m.changes[job] = append(m.changes[job], change{path: path, kind: kind})
	m.activity = true
	n := 0
	for _, c := range m.changes {
		n += len(c)
	}
	m.mu.Unlock()
	metrics.SetPendingChanges(n)
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// available reports why requests can't be accepted. m.mu must be held.
func (m *Manager) available() error {
	if m.err != nil {
		return ErrHalted
	}
	if m.quitting {
		return ErrQuit
	}
	return nil
}

func (m *Manager) enqueue(c command) (uuid.UUID, error) {
	m.mu.Lock()
	if err := m.available(); err != nil {
		m.mu.Unlock()
		return uuid.Nil, err
	}
	c.id = uuid.New()
	var ws []*watcher
	if c.typ == checkAll {
		c.resumeLive = m.live
		ws = m.detachWatchersLocked()
	}
	m.commands = append(m.commands, c)
	m.mu.Unlock()
	closeWatchers(ws)

	m.signal()
	return c.id, nil
}

// CheckAllBackups stops live backup and queues a full check of every
// enabled job. Live backup resumes once the check is done.
func (m *Manager) CheckAllBackups() (uuid.UUID, error) {
	return m.enqueue(command{typ: checkAll})
}

// GetRestoreInfo queues an info pass over the given restorers of rm. The
// result arrives in a RestoreInfoReady event.
func (m *Manager) GetRestoreInfo(rm *restore.Manager, indices []int, skipNames bool) (uuid.UUID, error) {
	return m.enqueue(command{typ: restoreInfo, rm: rm, indices: indices, skipNames: skipNames})
}

func (m *Manager) Restore(rm *restore.Manager, s restore.Settings) (uuid.UUID, error) {
	return m.enqueue(command{typ: restoreRun, rm: rm, settings: s})
}

// Quit stops watching and tells the worker to finish. Work in progress is
// interrupted. If wait is set, Quit returns once the worker has exited
// and the registry is closed.
func (m *Manager) Quit(wait bool) {
	m.quitOnce.Do(func() {
		m.mu.Lock()
		m.quitting = true
		ws := m.detachWatchersLocked()
		started := m.started
		m.mu.Unlock()
		closeWatchers(ws)

		m.cancel()
		if !started {
			m.closeRegistry()
			close(m.done)
		}
	})
	if wait {
		<-m.done
	}
}

// Done is closed when the worker has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that halted the worker, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

///////////////////////////////////////////////////////////////////////////
// Worker

func (m *Manager) emit(e Event) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(e)
	}
}

func (m *Manager) logf(f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	log.Verbose("%s", msg)
	m.emit(Event{Type: Log, Message: msg})
}

func (m *Manager) fileError(err error) {
	log.Error("%v", err)
	m.emit(Event{Type: Error, Err: err})
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.closeRegistry()
	defer func() {
		if r := recover(); r != nil {
			m.halt(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	for {
		metrics.SetWorkerState(metrics.WorkerIdle)
		m.emit(Event{Type: WorkerIdle})
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		metrics.SetWorkerState(metrics.WorkerRunning)
		m.emit(Event{Type: WorkerRunning})

		if cmds := m.takeCommands(); len(cmds) > 0 {
			for _, c := range cmds {
				if err := m.execute(c); err != nil {
					m.stop(err)
					return
				}
			}
			if m.pendingChanges() {
				m.signal()
			}
			continue
		}

		if !m.waitIdle() {
			if m.ctx.Err() != nil {
				return
			}
			// A command arrived; it goes first.
			m.signal()
			continue
		}
		if err := m.liveBackup(); err != nil {
			m.stop(err)
			return
		}
	}
}

// stop ends the worker because of err, which is either cancellation or a
// fatal error.
func (m *Manager) stop(err error) {
	if m.ctx.Err() != nil && !isFatal(err) {
		return
	}
	m.halt(err)
}

func (m *Manager) halt(err error) {
	log.Error("%v", err)
	m.mu.Lock()
	m.err = err
	ws := m.detachWatchersLocked()
	m.mu.Unlock()
	closeWatchers(ws)

	m.emit(Event{Type: Error, Err: err, Fatal: true})
	metrics.SetWorkerState(metrics.WorkerHalted)
	if m.reg != nil {
		if ferr := m.reg.Flush(); ferr != nil {
			log.Error("%s: %v", m.reg.Path(), ferr)
		}
	}
}

func (m *Manager) closeRegistry() {
	if m.reg == nil {
		return
	}
	if err := m.reg.Close(); err != nil {
		log.Error("%s: %v", m.reg.Path(), err)
	}
}

func (m *Manager) takeCommands() []command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := m.commands
	m.commands = nil
	return cmds
}

func (m *Manager) pendingChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.changes {
		if len(c) > 0 {
			return true
		}
	}
	return false
}

// waitIdle returns true once no changes have been reported for the idle
// window. It returns false if the manager is quitting or a command
// arrives first.
func (m *Manager) waitIdle() bool {
	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	var idle time.Duration
	for idle < m.opts.IdleWindow {
		select {
		case <-m.ctx.Done():
			return false
		case <-ticker.C:
		}

		m.mu.Lock()
		if len(m.commands) > 0 {
			m.mu.Unlock()
			return false
		}
		if m.activity {
			m.activity = false
			idle = 0
		} else {
			idle += m.opts.Tick
		}
		m.mu.Unlock()
	}
	return true
}

func (m *Manager) liveBackup() error {
	for i, mi := range m.mirrors {
		m.mu.Lock()
		pending := m.changes[i]
		m.changes[i] = nil
		m.mu.Unlock()

		if !mi.job().Enabled || len(pending) == 0 {
			continue
		}
		for _, c := range collapse(pending) {
			log.Debug("%s: %s %s", mi.job().Name, c.path, c.kind)
			if err := backupPath(m, mi, c.path, c.kind); err != nil {
				return err
			}
		}
	}
	metrics.SetPendingChanges(0)
	m.recordRegistry()
	return nil
}

func (m *Manager) recordRegistry() {
	if m.reg != nil {
		metrics.SetRegistryEntries(m.reg.Stats().Live)
	}
}

func (m *Manager) callbacks() restore.Callbacks {
	return restore.Callbacks{
		FilesProcessed: func(n int) { m.emit(Event{Type: FilesProcessed, Count: n}) },
		Error:          func(err error) { m.emit(Event{Type: Error, Err: err}) },
	}
}

func (m *Manager) execute(c command) error {
	switch c.typ {
	case checkAll:
		m.logf("Starting to check all backups.")
		for _, mi := range m.mirrors {
			if !mi.job().Enabled {
				continue
			}
			log.Verbose("%s: checking", mi.job())
			if err := mi.sweep(m); err != nil {
				return err
			}
		}
		m.recordRegistry()

		if c.resumeLive {
			m.mu.Lock()
			err := m.available()
			if err == nil {
				err = m.startLiveLocked()
			}
			m.mu.Unlock()
			if err != nil && !errors.Is(err, ErrQuit) {
				m.fileError(fmt.Errorf("restarting live backup: %w", err))
			}
		}
		m.emit(Event{Type: CheckComplete, ID: c.id})

	case restoreInfo:
		info, err := c.rm.Info(m.ctx, c.indices, c.skipNames, m.callbacks())
		if err != nil {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			m.fileError(err)
		}
		m.emit(Event{Type: RestoreInfoReady, ID: c.id, Info: info, Err: err})

	case restoreRun:
		err := c.rm.Restore(m.ctx, c.settings, m.callbacks())
		if err != nil {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			m.fileError(err)
		}
		m.emit(Event{Type: RestoreComplete, ID: c.id, Err: err})

	default:
		log.Check(false, "%d: unknown command type", c.typ)
	}
	return nil
}
