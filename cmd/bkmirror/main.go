// cmd/bkmirror/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bkmirror keeps plain and encrypted mirrors of directory trees up to
// date, and restores encrypted mirrors.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/backup"
	"github.com/mmp/bkmirror/config"
	"github.com/mmp/bkmirror/keys"
	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
	"github.com/mmp/bkmirror/storage"
	u "github.com/mmp/bkmirror/util"
)

const passphraseEnv = "BKMIRROR_PASSPHRASE"

var log *u.Logger

type rootOptions struct {
	Config    string
	Verbose   bool
	Debug     bool
	LogFormat string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "bkmirror",
		Short:         "Mirror directory trees to plain or encrypted backups",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogFormat != "console" && opts.LogFormat != "json" {
				return fmt.Errorf("invalid log format %q: must be console or json", opts.LogFormat)
			}
			l, err := u.NewLoggerConfig(u.LogConfig{
				Verbose: opts.Verbose,
				Debug:   opts.Debug,
				Format:  opts.LogFormat,
			})
			if err != nil {
				return err
			}
			setLogger(l)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	defaultConfig := os.Getenv("BKMIRROR_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "bkmirror.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", defaultConfig, "settings file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debugging output")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "log format (console|json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	cmd.AddCommand(newRegistryCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newJobCommand(opts))
	cmd.AddCommand(newRuleCommand(opts))
	cmd.AddCommand(newEncodeCommand(opts))
	cmd.AddCommand(newDecodeCommand(opts))
	cmd.AddCommand(newParityCommand())
	cmd.AddCommand(newFormatCommand())

	return cmd
}

func setLogger(l *u.Logger) {
	log = l
	backup.SetLogger(l.With("pkg", "backup"))
	config.SetLogger(l.With("pkg", "config"))
	keys.SetLogger(l.With("pkg", "keys"))
	registry.SetLogger(l.With("pkg", "registry"))
	restore.SetLogger(l.With("pkg", "restore"))
	storage.SetLogger(l.With("pkg", "storage"))
}

///////////////////////////////////////////////////////////////////////////
// Helpers shared by the commands

func passphrase() (string, error) {
	p := os.Getenv(passphraseEnv)
	if p == "" {
		return "", fmt.Errorf("the key store passphrase must be given in $%s", passphraseEnv)
	}
	return p, nil
}

// loadKeys reads the key store named by the settings. It doesn't need a
// passphrase if no store is configured.
func loadKeys(s *config.Settings) (*keys.Store, error) {
	if s.KeysPath == "" {
		return keys.NewStore(), nil
	}
	p, err := passphrase()
	if err != nil {
		return nil, err
	}
	return s.LoadKeys(p)
}

// parseIndices parses a comma-separated list of non-negative integers.
func parseIndices(s string) ([]int, error) {
	var indices []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		i, err := strconv.Atoi(f)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%q: invalid index", f)
		}
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return nil, errors.New("no indices given")
	}
	return indices, nil
}

// parseMappings parses prefix=directory pairs.
func parseMappings(ms []string) (map[string]string, error) {
	lookup := make(map[string]string)
	for _, m := range ms {
		prefix, dir, ok := strings.Cut(m, "=")
		if !ok || prefix == "" || dir == "" {
			return nil, fmt.Errorf("%q: mappings are given as prefix=directory", m)
		}
		if _, ok := lookup[prefix]; ok {
			return nil, fmt.Errorf("%s: mapped more than once", prefix)
		}
		lookup[prefix] = dir
	}
	return lookup, nil
}
