// cmd/bkmirror/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/registry"
	"github.com/mmp/bkmirror/restore"
)

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Inspect and restore encrypted backups",
		Long: `Restore sources are listed in the settings file; they are selected by
their index, as printed by "bkmirror restore list".`,
	}
	cmd.AddCommand(newRestoreListCommand(opts))
	cmd.AddCommand(newRestoreInfoCommand(opts))
	cmd.AddCommand(newRestoreRunCommand(opts))
	return cmd
}

func newRestoreListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the restore sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return restoreSession(opts, func(ss *session, rm *restore.Manager) error {
				for i, name := range rm.Names() {
					fmt.Printf("%3d  %s\n", i, name)
				}
				for _, prefix := range sortedKeys(rm.DefaultDestinations) {
					fmt.Printf("     %s -> %s\n", prefix, rm.DefaultDestinations[prefix])
				}
				return nil
			})
		},
	}
}

func newRestoreInfoCommand(opts *rootOptions) *cobra.Command {
	var index string
	var names bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Summarize what the given restore sources hold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(index)
			if err != nil {
				return err
			}
			return restoreSession(opts, func(ss *session, rm *restore.Manager) error {
				e, err := ss.wait(func() (uuid.UUID, error) {
					return ss.manager.GetRestoreInfo(rm, indices, !names)
				})
				if err != nil {
					return err
				}
				if e.Info != nil {
					fmt.Print(e.Info)
				}
				return e.Err
			})
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "0", "comma-separated restore source indices")
	cmd.Flags().BoolVar(&names, "names", false, "list the stored file names")
	return cmd
}

func newRestoreRunCommand(opts *rootOptions) *cobra.Command {
	var index, to, regPath string
	var mappings, filters []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Restore files from the given restore sources",
		Long: `Files are written either below a single directory (--to), or to the
directory that their embedded prefix maps to (--map prefix=dir, or the
default destinations from the settings file). Files that are already
present and at least as new are left alone. Restored files are added to
the registry so that backing them up again reuses their stored names.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(index)
			if err != nil {
				return err
			}
			lookup, err := parseMappings(mappings)
			if err != nil {
				return err
			}
			if to != "" && len(lookup) > 0 {
				return errors.New("--to and --map are mutually exclusive")
			}
			for i, f := range filters {
				if filters[i], err = filepath.Abs(f); err != nil {
					return err
				}
			}

			return restoreSession(opts, func(ss *session, rm *restore.Manager) error {
				var reg *registry.Registry
				var err error
				switch {
				case regPath != "":
					reg, err = registry.Open(regPath, ss.settings.Registry.DefaultPrefix)
				case ss.settings.Registry.Path != "":
					reg, err = ss.settings.OpenRegistry()
				default:
					err = errors.New("no registry is configured; give one with --registry")
				}
				if err != nil {
					return err
				}
				defer func() {
					if err := reg.Close(); err != nil {
						log.Error("%s: %v", reg.Path(), err)
					}
				}()

				s := restore.Settings{
					Indices:         indices,
					DestinationBase: to,
					Lookup:          lookup,
					PrefixFilter:    filters,
					Registry:        reg,
				}
				if to == "" && len(lookup) == 0 {
					s.Lookup = rm.DefaultLookup()
				}
				e, err := ss.wait(func() (uuid.UUID, error) {
					return ss.manager.Restore(rm, s)
				})
				if err != nil {
					return err
				}
				if e.Err != nil {
					return e.Err
				}
				if n := ss.errorCount(); n > 0 {
					return fmt.Errorf("%d files couldn't be restored", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "0", "comma-separated restore source indices")
	cmd.Flags().StringVar(&to, "to", "", "restore everything below this directory")
	cmd.Flags().StringArrayVar(&mappings, "map", nil, "map an embedded prefix to a directory (prefix=dir)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "only restore files whose destination starts with this")
	cmd.Flags().StringVar(&regPath, "registry", "", "registry to add restored files to (default: the configured one)")
	return cmd
}

func sortedKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
