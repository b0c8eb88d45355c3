// cmd/bkmirror/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/codec"
)

// encode and decode work on single encoded files, outside of any backup
// job; they're mostly useful for checking objects fetched from a target
// by hand.

func newEncodeCommand(opts *rootOptions) *cobra.Command {
	var keyNumber uint16
	var rel, compress string

	cmd := &cobra.Command{
		Use:   "encode <file> <output>",
		Short: "Encode and encrypt a single file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseCompression(compress)
			if err != nil {
				return err
			}
			_, ks, err := openKeys(opts)
			if err != nil {
				return err
			}
			key, ok := ks.Key(keyNumber)
			if !ok {
				return fmt.Errorf("%d: no such key", keyNumber)
			}
			if rel == "" {
				rel = filepath.ToSlash(filepath.Base(args[0]))
			}
			return encodeFile(args[0], args[1], rel, key, mode, keyNumber)
		},
	}
	cmd.Flags().Uint16Var(&keyNumber, "key", 0, "number of the key to encrypt with")
	cmd.Flags().StringVar(&rel, "rel", "", "relative path to store (default: the file's name)")
	cmd.Flags().StringVar(&compress, "compress", "auto", "compression (auto|never|always)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func parseCompression(s string) (codec.Compression, error) {
	switch s {
	case "auto":
		return codec.CompressAuto, nil
	case "never":
		return codec.CompressNever, nil
	case "always":
		return codec.CompressAlways, nil
	default:
		return 0, fmt.Errorf("invalid compression %q: must be auto, never or always", s)
	}
}

func encodeFile(src, out, rel string, key []byte, mode codec.Compression, keyHint uint16) error {
	enc := codec.NewEncoder()
	if err := enc.Reset(src, rel, key, mode, keyHint); err != nil {
		return err
	}
	defer enc.Close()

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, enc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	log.Verbose("%s: wrote %d bytes to %s", src, n, out)
	return nil
}

func newDecodeCommand(opts *rootOptions) *cobra.Command {
	var to string
	var info bool

	cmd := &cobra.Command{
		Use:   "decode <file>...",
		Short: "Decrypt and decode encoded files",
		Long: `Each file is written below --to at the relative path stored in it. The
key is chosen by the key number stored in the file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" && !info {
				return errors.New("one of --to and --info must be given")
			}
			_, ks, err := openKeys(opts)
			if err != nil {
				return err
			}
			dec := codec.NewDecoder(ks)
			for _, fn := range args {
				if err := decodeFile(dec, fn, to, info); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "directory to write decoded files below")
	cmd.Flags().BoolVar(&info, "info", false, "only print what the files hold")
	return cmd
}

func decodeFile(dec *codec.Decoder, fn, to string, info bool) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	var resolveErr error
	dec.Reset(nil, func(si codec.StreamInfo) string {
		if info {
			fmt.Printf("%s: %s, %d bytes, key %d, compressed %v, modified %s\n", fn, si.RelativePath,
				si.PreEncryptSize, si.KeyHint, si.Compressed, si.ModTime.Format("2006-01-02 15:04:05"))
			return ""
		}
		var dest string
		dest, resolveErr = joinRelative(to, si.RelativePath)
		return dest
	})

	if _, err := io.Copy(dec, f); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if err := dec.Flush(); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if resolveErr != nil {
		return fmt.Errorf("%s: %w", fn, resolveErr)
	}
	if dest := dec.Destination(); dest != "" {
		log.Verbose("%s: decoded to %s", fn, dest)
	}
	return nil
}

// joinRelative returns the path of rel below dir. Relative paths written
// on Windows use '\'; paths that would escape dir are refused.
func joinRelative(dir, rel string) (string, error) {
	if i := strings.IndexAny(rel, `/\`); i >= 0 && rel[i] == '\\' {
		rel = strings.ReplaceAll(rel, `\`, "/")
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%q: unsafe relative path", rel)
	}
	return filepath.Join(dir, local), nil
}
