// cmd/bkmirror/run.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/backup"
	"github.com/mmp/bkmirror/config"
	"github.com/mmp/bkmirror/keys"
	"github.com/mmp/bkmirror/metrics"
	"github.com/mmp/bkmirror/rdso"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
	"github.com/mmp/bkmirror/storage"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var check bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the backups up to date as files change",
		Long: `Watches the sources of all enabled backups and applies changes once
they have been quiet for a while. Runs until interrupted; SIGHUP reloads
the settings file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				serveMetrics(metricsAddr)
			}
			return run(opts, check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check all backups before watching")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address")
	return cmd
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Bring every enabled backup up to date and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return check(opts)
		},
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server: %v", err)
		}
	}()
	log.Verbose("serving metrics at http://%s/metrics", addr)
}

///////////////////////////////////////////////////////////////////////////
// Session

// session is everything that is built from one reading of the settings.
type session struct {
	settings *config.Settings
	manager  *backup.Manager
	keys     *keys.Store
	targets  map[string]storage.Target
	stop     func()
	// Whether the manager was given the registry.
	ownsRegistry bool

	mu      sync.Mutex
	waiters map[uuid.UUID]chan backup.Event
	errors  int
}

func newSession(ctx context.Context, opts *rootOptions, withJobs bool) (*session, error) {
	s, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	ks, err := loadKeys(s)
	if err != nil {
		return nil, err
	}
	targets, stop, err := s.BuildTargets(ctx)
	if err != nil {
		return nil, err
	}

	ss := &session{
		settings: s,
		keys:     ks,
		targets:  targets,
		stop:     stop,
		waiters:  make(map[uuid.UUID]chan backup.Event),
	}

	var jobs []*backup.Job
	var reg *registry.Registry
	if withJobs {
		if jobs, err = s.Jobs(); err != nil {
			stop()
			return nil, err
		}
		if reg, err = s.OpenRegistry(); err != nil {
			stop()
			return nil, err
		}
		ss.ownsRegistry = reg != nil
	}

	mopts := s.ManagerOptions()
	mopts.OnEvent = ss.onEvent
	ss.manager, err = backup.NewManager(jobs, reg, targets, ks, mopts)
	if err != nil {
		if reg != nil {
			reg.Close()
		}
		stop()
		return nil, err
	}
	return ss, nil
}

func (ss *session) onEvent(e backup.Event) {
	switch e.Type {
	case backup.Log:
		log.Verbose("%s", e.Message)
	case backup.Error:
		// The manager has already logged it.
		ss.mu.Lock()
		ss.errors++
		ss.mu.Unlock()
	case backup.FilesProcessed:
		log.Verbose("%d files processed", e.Count)
	case backup.WorkerIdle, backup.WorkerRunning:
		log.Debug("%s", e)
	}

	if e.ID != uuid.Nil {
		ss.mu.Lock()
		ch, ok := ss.waiters[e.ID]
		delete(ss.waiters, e.ID)
		ss.mu.Unlock()
		if ok {
			ch <- e
		}
	}
}

// wait issues a command through f and waits for the event that finishes
// it, or for the worker to exit.
func (ss *session) wait(f func() (uuid.UUID, error)) (backup.Event, error) {
	// The event can't arrive before the command is queued, but the
	// waiter has to be registered before the worker can run it.
	ss.mu.Lock()
	id, err := f()
	if err != nil {
		ss.mu.Unlock()
		return backup.Event{}, err
	}
	ch := make(chan backup.Event, 1)
	ss.waiters[id] = ch
	ss.mu.Unlock()

	select {
	case e := <-ch:
		return e, nil
	case <-ss.manager.Done():
		if err := ss.manager.Err(); err != nil {
			return backup.Event{}, err
		}
		return backup.Event{}, backup.ErrQuit
	}
}

func (ss *session) errorCount() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.errors
}

// close stops the manager, which closes the registry, and then updates
// the registry's parity sidecar if that's enabled.
func (ss *session) close() {
	ss.manager.Quit(true)
	ss.stop()
	if ss.ownsRegistry && ss.settings.Registry.Parity && ss.manager.Err() == nil {
		path := ss.settings.RegistryPath()
		if err := rdso.EncodeFile(path, rdso.DefaultDataShards, rdso.DefaultParityShards,
			rdso.DefaultHashRate); err != nil {
			log.Error("%s: %v", path, err)
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// run / check

func run(opts *rootOptions, checkFirst bool) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		ss, err := newSession(context.Background(), opts, true)
		if err != nil {
			return err
		}
		ss.manager.Start()
		if err := ss.manager.StartLive(); err != nil {
			ss.close()
			return err
		}
		if checkFirst {
			// The check pauses watching and resumes it when it's done.
			if _, err := ss.manager.CheckAllBackups(); err != nil {
				ss.close()
				return err
			}
		}
		log.Verbose("watching %d backups", len(ss.manager.Jobs()))

		select {
		case <-ss.manager.Done():
			ss.close()
			return ss.manager.Err()

		case sig := <-sigs:
			ss.close()
			if sig != syscall.SIGHUP {
				log.Verbose("%s: exiting", sig)
				return nil
			}
			log.Verbose("reloading %s", opts.Config)
			// A reload brings everything up to date, since changes may
			// have been missed in between.
			checkFirst = true
		}
	}
}

func check(opts *rootOptions) error {
	ss, err := newSession(context.Background(), opts, true)
	if err != nil {
		return err
	}
	ss.manager.Start()
	e, err := ss.wait(ss.manager.CheckAllBackups)
	ss.close()
	if err != nil {
		return err
	}
	log.Verbose("%s", e)
	if n := ss.errorCount(); n > 0 {
		return fmt.Errorf("%d errors during check", n)
	}
	return nil
}

// restoreSession runs f with a manager that has no jobs, for restores.
func restoreSession(opts *rootOptions, f func(ss *session, rm *restore.Manager) error) error {
	ss, err := newSession(context.Background(), opts, false)
	if err != nil {
		return err
	}
	rm, err := ss.settings.RestoreManager(ss.targets, ss.keys)
	if err != nil {
		ss.close()
		return err
	}
	ss.manager.Start()
	err = f(ss, rm)
	ss.close()
	return err
}
