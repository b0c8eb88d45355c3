// cmd/bkmirror/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/rdso"
)

// The parity commands apply Reed-Solomon encoding to arbitrary files,
// such as the key store; "registry protect" and friends are shorthands
// for the registry.

func newParityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Protect files with Reed-Solomon parity",
		Long: `Parity is written to a file with an added "` + rdso.Suffix + `" suffix. A damaged
file can be recovered as long as no more shards of any segment are
damaged than there are parity shards.`,
	}

	var nShards, nParity, hashRate int
	encode := &cobra.Command{
		Use:   "encode <file>...",
		Short: "Write parity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, fn := range args {
				if strings.HasSuffix(fn, rdso.Suffix) {
					log.Warning("%s: skipping Reed-Solomon encoding of %s file", fn, rdso.Suffix)
					continue
				}
				if err := rdso.EncodeFile(fn, nShards, nParity, hashRate); err != nil {
					return fmt.Errorf("%s: %w", fn, err)
				}
				log.Verbose("%s: created Reed-Solomon encoding file", fn+rdso.Suffix)
			}
			return nil
		},
	}
	encode.Flags().IntVar(&nShards, "nshards", rdso.DefaultDataShards, "number of data shards")
	encode.Flags().IntVar(&nParity, "nparity", rdso.DefaultParityShards, "number of parity shards")
	encode.Flags().IntVar(&hashRate, "hashrate", rdso.DefaultHashRate, "shard size in bytes")
	cmd.AddCommand(encode)

	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>...",
		Short: "Check files against their parity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corrupt := 0
			for _, fn := range args {
				err := rdso.CheckFile(fn, log)
				switch {
				case errors.Is(err, rdso.ErrFileCorrupt):
					corrupt++
				case err != nil:
					return err
				default:
					fmt.Printf("%s: ok\n", fn)
				}
			}
			if corrupt > 0 {
				return fmt.Errorf("%d corrupt files", corrupt)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <file>...",
		Short: "Recover files using their parity files",
		Long:  `The recovered files are written alongside the originals with a ".recovered" suffix.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, fn := range args {
				data, _, err := rdso.RestoreFile(fn, log)
				if err != nil {
					return err
				}
				fmt.Printf("%s: recovered to %s\n", fn, data)
			}
			return nil
		},
	})
	return cmd
}
