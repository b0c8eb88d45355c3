// cmd/bkmirror/registry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/config"
	"github.com/mmp/bkmirror/rdso"
	"github.com/mmp/bkmirror/registry"
)

func newRegistryCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and maintain the name registry",
		Long: `The registry maps the paths of files in encrypted backups to the names
they are stored under. These commands shouldn't be run while "bkmirror
run" is using the registry.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the registered files as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(opts, func(reg *registry.Registry) error {
				w := bufio.NewWriter(os.Stdout)
				if err := reg.Print(w); err != nil {
					return err
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print registry statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(opts, func(reg *registry.Registry) error {
				st := reg.Stats()
				fmt.Printf("%s\n  files:       %d\n  deleted:     %d\n  highest id:  %d\n  prefix:      %s\n",
					reg.Path(), st.Live, st.Deleted, st.HighestID, reg.DefaultPrefix())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <path>...",
		Short: "Remove files or directories from the registry",
		Long: `Removes the entries without deleting the stored objects; use this when
an object has already been removed from its target by hand.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(opts, func(reg *registry.Registry) error {
				for _, p := range args {
					abs, err := filepath.Abs(p)
					if err != nil {
						return err
					}
					if reg.Status(abs).Kind == registry.None {
						return fmt.Errorf("%s: %w", abs, registry.ErrNotFound)
					}
					if err := reg.Delete(abs); err != nil {
						return err
					}
					log.Verbose("%s: forgotten", abs)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "protect",
		Short: "Write the Reed-Solomon parity file for the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath(opts)
			if err != nil {
				return err
			}
			if err := rdso.EncodeFile(path, rdso.DefaultDataShards, rdso.DefaultParityShards,
				rdso.DefaultHashRate); err != nil {
				return err
			}
			log.Verbose("%s: wrote %s", path, path+rdso.Suffix)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the registry against its parity file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath(opts)
			if err != nil {
				return err
			}
			if err := rdso.CheckFile(path, log); err != nil {
				if errors.Is(err, rdso.ErrFileCorrupt) {
					return fmt.Errorf("%w; \"bkmirror registry repair\" may be able to fix it", err)
				}
				return err
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Repair the registry using its parity file",
		Long: `The damaged registry and parity file are kept with a ".bad" suffix.
The repaired registry is opened afterward to make sure that it parses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath(opts)
			if err != nil {
				return err
			}
			return repair(path)
		},
	})
	return cmd
}

func registryPath(opts *rootOptions) (string, error) {
	s, err := config.Load(opts.Config)
	if err != nil {
		return "", err
	}
	if s.Registry.Path == "" {
		return "", errors.New("no registry is configured")
	}
	return s.RegistryPath(), nil
}

func withRegistry(opts *rootOptions, f func(reg *registry.Registry) error) error {
	s, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if s.Registry.Path == "" {
		return errors.New("no registry is configured")
	}
	reg, err := s.OpenRegistry()
	if err != nil {
		return err
	}
	err = f(reg)
	if cerr := reg.Close(); err == nil {
		err = cerr
	}
	return err
}

func repair(path string) error {
	data, rs, err := rdso.RestoreFile(path, log)
	if err != nil {
		return err
	}
	for _, r := range [][2]string{{path, path + ".bad"}, {path + rdso.Suffix, path + rdso.Suffix + ".bad"},
		{data, path}, {rs, path + rdso.Suffix}} {
		if err := os.Rename(r[0], r[1]); err != nil {
			return err
		}
	}

	reg, err := registry.Open(path, "")
	if err != nil {
		return fmt.Errorf("repaired registry: %w", err)
	}
	st := reg.Stats()
	fmt.Printf("%s: repaired; %d files\n", path, st.Live)
	return reg.Close()
}
