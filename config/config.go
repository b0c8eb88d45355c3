// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads and writes the YAML settings file and builds the
// objects that it describes: backup jobs, cloud targets, the restore
// manager, the name registry and the key store.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmp/bkmirror/backup"
	"github.com/mmp/bkmirror/keys"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
	"github.com/mmp/bkmirror/rules"
	"github.com/mmp/bkmirror/storage"
	u "github.com/mmp/bkmirror/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	TypePlain     = "plain"
	TypeEncrypted = "encrypted"

	TargetGCS = "gcs"
	TargetS3  = "s3"
)

var ErrInvalid = errors.New("invalid configuration")

type Settings struct {
	Registry RegistrySettings `yaml:"registry"`
	// Encrypted key store.
	KeysPath string                    `yaml:"keys"`
	Manager  ManagerSettings           `yaml:"manager,omitempty"`
	Targets  map[string]TargetSettings `yaml:"targets,omitempty"`
	Backups  []BackupSettings          `yaml:"backups"`
	Restore  RestoreSettings           `yaml:"restore,omitempty"`

	// Relative paths are relative to the directory of the file the
	// settings were loaded from.
	dir string
}

type RegistrySettings struct {
	Path          string `yaml:"path"`
	DefaultPrefix string `yaml:"default_prefix,omitempty"`
	// Keep a Reed-Solomon sidecar for the registry, updated at exit.
	Parity bool `yaml:"parity,omitempty"`
}

type ManagerSettings struct {
	CloudLiveBackupMaxMB int `yaml:"cloud_live_backup_max_mb,omitempty"`
	IdleSeconds          int `yaml:"idle_seconds,omitempty"`
}

// TargetSettings describes a cloud target. Which fields apply depends on
// Type.
type TargetSettings struct {
	Type string `yaml:"type"`

	// gcs
	ProjectID    string `yaml:"project_id,omitempty"`
	Location     string `yaml:"location,omitempty"`
	StorageClass string `yaml:"storage_class,omitempty"`

	// s3
	Endpoint     string `yaml:"endpoint,omitempty"`
	Region       string `yaml:"region,omitempty"`
	AccessKey    string `yaml:"access_key,omitempty"`
	SecretKey    string `yaml:"secret_key,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`

	// Zero means unlimited.
	UploadBytesPerSecond   int `yaml:"upload_bytes_per_second,omitempty"`
	DownloadBytesPerSecond int `yaml:"download_bytes_per_second,omitempty"`
}

type BackupSettings struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`

	// plain
	Destination string `yaml:"destination,omitempty"`

	// encrypted
	EmbeddedPrefix string `yaml:"embedded_prefix,omitempty"`
	Key            uint16 `yaml:"key,omitempty"`
	Target         string `yaml:"target,omitempty"`
	Container      string `yaml:"container,omitempty"`

	Rules []RuleSettings `yaml:"rules,omitempty"`
}

type RuleSettings struct {
	Category  int    `yaml:"category"`
	Directory string `yaml:"dir"`
	Kind      string `yaml:"kind"`
	Suffixes  string `yaml:"suffixes,omitempty"`
	Subdirs   string `yaml:"subdirs,omitempty"`
}

type RestoreSettings struct {
	// Embedded prefix to local directory.
	DefaultDestinations map[string]string `yaml:"default_destinations,omitempty"`
	Sources             []RestoreSource   `yaml:"sources,omitempty"`
}

type RestoreSource struct {
	Target       string   `yaml:"target"`
	Container    string   `yaml:"container"`
	FilePrefixes []string `yaml:"file_prefixes,omitempty"`
}

///////////////////////////////////////////////////////////////////////////
// Load / Save

func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Settings
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		s.dir = abs
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug("%s: %d backups, %d targets", path, len(s.Backups), len(s.Targets))
	return &s, nil
}

// Save writes the settings to path, replacing it atomically.
func (s *Settings) Save(path string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b.Bytes(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Settings) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.dir == "" {
		return path
	}
	return filepath.Join(s.dir, path)
}

///////////////////////////////////////////////////////////////////////////
// Validation

func invalid(f string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(f, args...))
}

func (s *Settings) Validate() error {
	var encrypted bool
	for name, t := range s.Targets {
		if name == "" || name == storage.DiskName {
			return invalid("%q can't be used as a target name", name)
		}
		switch t.Type {
		case TargetGCS, TargetS3:
		default:
			return invalid("target %s: unknown type %q", name, t.Type)
		}
		if t.UploadBytesPerSecond < 0 || t.DownloadBytesPerSecond < 0 {
			return invalid("target %s: negative rate limit", name)
		}
	}

	names := make(map[string]bool)
	prefixes := make(map[string]string)
	for i, b := range s.Backups {
		if b.Name == "" {
			return invalid("backups[%d]: name is required", i)
		}
		if names[b.Name] {
			return invalid("backup %s: name is used more than once", b.Name)
		}
		names[b.Name] = true
		if b.Source == "" {
			return invalid("backup %s: source is required", b.Name)
		}

		switch b.Type {
		case TypePlain:
			if b.Destination == "" {
				return invalid("backup %s: destination is required", b.Name)
			}
		case TypeEncrypted:
			encrypted = true
			if b.EmbeddedPrefix == "" {
				return invalid("backup %s: embedded_prefix is required", b.Name)
			}
			if strings.ContainsAny(b.EmbeddedPrefix, `/\`) {
				return invalid("backup %s: embedded_prefix %q may not contain path separators",
					b.Name, b.EmbeddedPrefix)
			}
			if other, ok := prefixes[b.EmbeddedPrefix]; ok {
				return invalid("backup %s: embedded_prefix %q is already used by %s", b.Name,
					b.EmbeddedPrefix, other)
			}
			prefixes[b.EmbeddedPrefix] = b.Name
			if b.Key == 0 {
				return invalid("backup %s: key is required", b.Name)
			}
			if err := s.checkTarget(b.Target); err != nil {
				return fmt.Errorf("backup %s: %w", b.Name, err)
			}
			if b.Container == "" {
				return invalid("backup %s: container is required", b.Name)
			}
		default:
			return invalid("backup %s: unknown type %q", b.Name, b.Type)
		}

		if _, err := buildRules(b.Rules); err != nil {
			return fmt.Errorf("backup %s: %w", b.Name, err)
		}
	}

	if encrypted && s.Registry.Path == "" {
		return invalid("encrypted backups need a registry path")
	}
	if encrypted && s.KeysPath == "" {
		return invalid("encrypted backups need a key store")
	}
	if strings.ContainsAny(s.Registry.DefaultPrefix, "\t\n") {
		return invalid("registry default_prefix %q", s.Registry.DefaultPrefix)
	}

	seen := make(map[string]bool)
	for i, r := range s.Restore.Sources {
		if err := s.checkTarget(r.Target); err != nil {
			return fmt.Errorf("restore.sources[%d]: %w", i, err)
		}
		if r.Container == "" {
			return invalid("restore.sources[%d]: container is required", i)
		}
		key := r.Target + "\x00" + r.Container
		if seen[key] {
			return invalid("restore.sources[%d]: %s:%s is listed more than once", i, r.Target, r.Container)
		}
		seen[key] = true
	}
	for prefix, dest := range s.Restore.DefaultDestinations {
		if prefix == "" || dest == "" {
			return invalid("restore.default_destinations: %q: %q", prefix, dest)
		}
	}
	return nil
}

func (s *Settings) checkTarget(name string) error {
	if name == "" {
		return invalid("target is required")
	}
	if name == storage.DiskName {
		return nil
	}
	if _, ok := s.Targets[name]; !ok {
		return invalid("unknown target %q", name)
	}
	return nil
}

func buildRules(rs []RuleSettings) (*rules.Engine, error) {
	// Rules must be added category by category.
	sorted := append([]RuleSettings(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	e := rules.New()
	for _, r := range sorted {
		kind, err := rules.ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if r.Directory == "" {
			return nil, invalid("rule with no directory")
		}
		if err := e.Add(rules.NewRule(filepath.Clean(r.Directory), kind, r.Suffixes, r.Subdirs), r.Category); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return e, nil
}

func ruleSettings(e *rules.Engine) []RuleSettings {
	var rs []RuleSettings
	for cat, list := range e.Categories() {
		for _, r := range list {
			rs = append(rs, RuleSettings{
				Category:  cat,
				Directory: r.Directory,
				Kind:      r.Kind.String(),
				Suffixes:  strings.Join(r.Suffixes, " "),
				Subdirs:   strings.Join(r.Subdirs, " "),
			})
		}
	}
	return rs
}

///////////////////////////////////////////////////////////////////////////
// Builders

// Jobs returns the backup jobs, in the order they were given.
func (s *Settings) Jobs() ([]*backup.Job, error) {
	var jobs []*backup.Job
	for _, b := range s.Backups {
		e, err := buildRules(b.Rules)
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", b.Name, err)
		}
		j := &backup.Job{
			Name:    b.Name,
			Enabled: b.Enabled,
			Source:  s.resolve(b.Source),
			Rules:   e,
		}
		if b.Type == TypePlain {
			j.Kind = backup.Plain
			j.Destination = s.resolve(b.Destination)
		} else {
			j.Kind = backup.Encrypted
			j.EmbeddedPrefix = b.EmbeddedPrefix
			j.KeyNumber = b.Key
			j.TargetName = b.Target
			j.Container = b.Container
			if b.Target == storage.DiskName {
				j.Container = s.resolve(b.Container)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ApplyStaged copies the staged parameters of jobs, which must have been
// built by Jobs, back into the settings so that Save persists them.
func (s *Settings) ApplyStaged(jobs []*backup.Job) error {
	if len(jobs) != len(s.Backups) {
		return fmt.Errorf("%d jobs for %d backups", len(jobs), len(s.Backups))
	}
	for i, j := range jobs {
		p := j.Staged()
		s.Backups[i].Name = p.Name
		s.Backups[i].Enabled = p.Enabled
		s.Backups[i].Rules = ruleSettings(p.Rules)
	}
	return nil
}

// Job returns the settings of the named backup.
func (s *Settings) Job(name string) (*BackupSettings, bool) {
	for i := range s.Backups {
		if s.Backups[i].Name == name {
			return &s.Backups[i], true
		}
	}
	return nil, false
}

// BuildTargets connects to the cloud targets. Those with rate limits are
// wrapped in a limiter; the returned function stops the limiters.
func (s *Settings) BuildTargets(ctx context.Context) (map[string]storage.Target, func(), error) {
	targets := make(map[string]storage.Target)
	var limiters []*storage.Limiter
	stop := func() {
		for _, l := range limiters {
			l.Stop()
		}
	}

	names := make([]string, 0, len(s.Targets))
	for name := range s.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ts := s.Targets[name]
		var t storage.Target
		var err error
		switch ts.Type {
		case TargetGCS:
			t, err = storage.NewGCS(ctx, storage.GCSOptions{
				ProjectId:    ts.ProjectID,
				Location:     ts.Location,
				StorageClass: ts.StorageClass,
			})
		case TargetS3:
			t, err = storage.NewS3(ctx, storage.S3Options{
				Endpoint:     ts.Endpoint,
				Region:       ts.Region,
				AccessKey:    ts.AccessKey,
				SecretKey:    ts.SecretKey,
				UsePathStyle: ts.UsePathStyle,
			})
		default:
			err = invalid("unknown type %q", ts.Type)
		}
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("target %s: %w", name, err)
		}

		if ts.UploadBytesPerSecond > 0 || ts.DownloadBytesPerSecond > 0 {
			l := storage.NewLimiter(ts.UploadBytesPerSecond, ts.DownloadBytesPerSecond)
			limiters = append(limiters, l)
			t = storage.NewRateLimited(t, l)
		}
		log.Verbose("target %s: %s", name, t)
		targets[name] = t
	}
	return targets, stop, nil
}

// RestoreManager builds a restorer for each restore source. Sources on
// the local disk use the container as a directory.
func (s *Settings) RestoreManager(targets map[string]storage.Target, ks *keys.Store) (*restore.Manager, error) {
	rm := restore.NewManager()
	for prefix, dest := range s.Restore.DefaultDestinations {
		rm.SetDefaultDestination(prefix, s.resolve(dest))
	}
	for _, src := range s.Restore.Sources {
		r := &restore.Restorer{
			TargetName:   src.Target,
			Container:    src.Container,
			FilePrefixes: src.FilePrefixes,
			Keys:         ks,
		}
		if len(r.FilePrefixes) == 0 {
			r.FilePrefixes = []string{s.defaultPrefix()}
		}
		if src.Target == storage.DiskName {
			r.Target = storage.NewDisk()
			r.Container = s.resolve(src.Container)
		} else if t, ok := targets[src.Target]; ok {
			r.Target = t
		} else {
			return nil, invalid("restore source %s: unknown target", src.Target)
		}
		if err := rm.Add(r); err != nil {
			return nil, err
		}
	}
	return rm, nil
}

func (s *Settings) defaultPrefix() string {
	if s.Registry.DefaultPrefix != "" {
		return s.Registry.DefaultPrefix
	}
	return registry.DefaultPrefix
}

func (s *Settings) RegistryPath() string {
	return s.resolve(s.Registry.Path)
}

func (s *Settings) OpenRegistry() (*registry.Registry, error) {
	if s.Registry.Path == "" {
		return nil, nil
	}
	return registry.Open(s.RegistryPath(), s.Registry.DefaultPrefix)
}

func (s *Settings) KeyStorePath() string {
	return s.resolve(s.KeysPath)
}

// LoadKeys reads the key store; a missing file yields an empty store.
func (s *Settings) LoadKeys(passphrase string) (*keys.Store, error) {
	if s.KeysPath == "" {
		return keys.NewStore(), nil
	}
	return keys.Load(s.KeyStorePath(), passphrase)
}

func (s *Settings) ManagerOptions() backup.Options {
	return backup.Options{
		IdleWindow:       time.Duration(s.Manager.IdleSeconds) * time.Second,
		CloudLiveMaxSize: int64(s.Manager.CloudLiveBackupMaxMB) * 1024 * 1024,
	}
}
