// cmd/bkmirror/keys.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/config"
	"github.com/mmp/bkmirror/keys"
)

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption keys",
		Long: `Keys are kept in the key store named in the settings file, encrypted
with the passphrase given in $` + passphraseEnv + `. Keep a copy of each key
somewhere safe: backups can't be restored without it.`,
	}

	var name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Generate a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return editKeys(opts, func(ks *keys.Store) error {
				n, err := ks.Add(name)
				if err != nil {
					return err
				}
				fmt.Printf("%d\n", n)
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "optional unique name for the key")
	cmd.AddCommand(add)

	var importName string
	imp := &cobra.Command{
		Use:   "import <number> <base64 key>",
		Short: "Add an existing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("%s: invalid key number", args[0])
			}
			return editKeys(opts, func(ks *keys.Store) error {
				return ks.ImportBase64(uint16(n), importName, args[1])
			})
		},
	}
	imp.Flags().StringVar(&importName, "name", "", "optional unique name for the key")
	cmd.AddCommand(imp)

	var show bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ks, err := openKeys(opts)
			if err != nil {
				return err
			}
			log.Debug("%s: %d keys", s.KeyStorePath(), len(ks.Numbers()))
			for _, n := range ks.Numbers() {
				line := fmt.Sprintf("%5d  %-20s", n, ks.Name(n))
				if show {
					b, _ := ks.Base64(n)
					line += "  " + b
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&show, "show", false, "print the keys themselves, base64 encoded")
	cmd.AddCommand(list)

	return cmd
}

func openKeys(opts *rootOptions) (*config.Settings, *keys.Store, error) {
	s, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, err
	}
	if s.KeysPath == "" {
		return nil, nil, errors.New("no key store is configured")
	}
	ks, err := loadKeys(s)
	return s, ks, err
}

func editKeys(opts *rootOptions, f func(ks *keys.Store) error) error {
	s, ks, err := openKeys(opts)
	if err != nil {
		return err
	}
	if err := f(ks); err != nil {
		return err
	}
	p, err := passphrase()
	if err != nil {
		return err
	}
	return ks.Save(s.KeyStorePath(), p)
}
