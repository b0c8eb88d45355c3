// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso applies Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. The parity data lives in a separate
// sidecar (".rs") file along with hashes of every shard, so corruption
// can be detected and, within limits, repaired. It protects the name
// registry, which is the one file that can't be regenerated from the
// backups.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	u "github.com/mmp/bkmirror/util"
)

const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 64 * 1024

	// Suffix of the sidecar file.
	Suffix = ".rs"

	hashSize = 64
)

var ErrFileCorrupt = errors.New("file is corrupt")

// hash is a fixed-size secure hash of a shard.
type hash [hashSize]byte

// hashBytes computes the SHAKE256 hash of the given byte slice.
func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// The sidecar is a gob stream: a header followed by one segment per
// NDataShards*HashRate bytes of the file. Each segment holds the parity
// shards for that stretch of data along with the hashes of its data and
// parity shards (data first).
type rsFileHeader struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func (h rsFileHeader) segments() int64 {
	return (h.FileSize + h.segmentSize() - 1) / h.segmentSize()
}

// Encode reads size bytes from r and writes the Reed-Solomon sidecar for
// them to rs.
func Encode(r io.Reader, size int64, rs io.Writer, nDataShards, nParityShards, hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return fmt.Errorf("invalid encoding parameters: %d data shards, %d parity, hash rate %d",
			nDataShards, nParityShards, hashRate)
	}
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	genc := gob.NewEncoder(rs)
	if err := genc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	for remaining := size; remaining > 0; {
		shards, n, err := readSegment(r, buf, h, remaining)
		if err != nil {
			return err
		}
		remaining -= n

		for i := 0; i < nParityShards; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}

		seg := rsFileSegment{Parity: shards[nDataShards:]}
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

// readSegment fills buf with the next segment of data, zero padding past
// the end of the file, and returns it split into data shards along with
// the number of bytes of actual data.
func readSegment(r io.Reader, buf []byte, h rsFileHeader, remaining int64) ([][]byte, int64, error) {
	n := int64(len(buf))
	if remaining < n {
		n = remaining
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, 0, err
	}
	for i := n; i < int64(len(buf)); i++ {
		buf[i] = 0
	}

	var shards [][]byte
	for i := 0; i < h.NDataShards; i++ {
		shards = append(shards, buf[i*h.HashRate:(i+1)*h.HashRate])
	}
	return shards, n, nil
}

// forEachSegment reads the data and its sidecar in lockstep, calling f
// with the data shards followed by the parity shards of each segment.
// The shards are only valid until f returns.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	gdec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := gdec.Decode(&h); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 || h.FileSize < 0 {
		return fmt.Errorf("invalid header %+v", h)
	}
	if log != nil {
		log.Debug("%d bytes, %d data shards, %d parity, hash rate %d", h.FileSize,
			h.NDataShards, h.NParityShards, h.HashRate)
	}

	buf := make([]byte, h.segmentSize())
	remaining := h.FileSize
	for i := int64(0); i < h.segments(); i++ {
		shards, n, err := readSegment(data, buf, h, remaining)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		remaining -= n

		var seg rsFileSegment
		if err := gdec.Decode(&seg); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if len(seg.Parity) != h.NParityShards || len(seg.Hashes) != h.NDataShards+h.NParityShards {
			return fmt.Errorf("segment %d: has %d parity shards and %d hashes", i,
				len(seg.Parity), len(seg.Hashes))
		}
		for j, p := range seg.Parity {
			if len(p) != h.HashRate {
				return fmt.Errorf("segment %d: parity shard %d has %d bytes, expected %d", i, j,
					len(p), h.HashRate)
			}
		}

		if err := f(h, seg.Hashes, append(shards, seg.Parity...)); err != nil {
			return err
		}
	}
	return nil
}

// mismatches returns the indices of the shards that don't match their
// hashes, logging each one.
func mismatches(h rsFileHeader, hashes []hash, shards [][]byte, log *u.Logger, warn bool) []int {
	var bad []int
	for i, s := range shards {
		if hashBytes(s) == hashes[i] {
			continue
		}
		bad = append(bad, i)
		if log == nil {
			continue
		}
		kind, n := "data", i
		if i >= h.NDataShards {
			kind, n = "parity", i-h.NDataShards
		}
		if warn {
			log.Warning("%s shard %d hash mismatch", kind, n)
		} else {
			log.Error("%s shard %d hash mismatch", kind, n)
		}
	}
	return bad
}

// Check verifies data against its sidecar, returning ErrFileCorrupt if
// any shard doesn't match its hash.
func Check(data, rs io.Reader, log *u.Logger) error {
	errs := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		errs += len(mismatches(h, hashes, shards, log, false))
		return nil
	})
	if err != nil {
		return err
	}
	if errs > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore writes the repaired data to restored and the repaired sidecar
// to restoredRs. size is the expected size of the data.
func Restore(data, rs io.Reader, size int64, restored, restoredRs io.Writer, log *u.Logger) error {
	if size == 0 {
		// The sidecar is just a header.
		_, err := io.Copy(restoredRs, rs)
		return err
	}

	var enc reedsolomon.Encoder
	var genc *gob.Encoder
	remaining := size
	segment := 0

	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if genc == nil {
			if h.FileSize != size {
				return fmt.Errorf("sidecar is for %d bytes of data, not %d", h.FileSize, size)
			}
			var err error
			if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			genc = gob.NewEncoder(restoredRs)
			if err := genc.Encode(h); err != nil {
				return err
			}
		}

		if bad := mismatches(h, hashes, shards, log, true); len(bad) > 0 {
			if len(bad) > h.NParityShards {
				return fmt.Errorf("segment %d: %d corrupt shards; at most %d can be repaired: %w",
					segment, len(bad), h.NParityShards, ErrFileCorrupt)
			}
			for _, i := range bad {
				shards[i] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return fmt.Errorf("segment %d: %w", segment, err)
			}
			if still := mismatches(h, hashes, shards, nil, false); len(still) > 0 {
				return fmt.Errorf("segment %d: reconstruction failed: %w", segment, ErrFileCorrupt)
			}
			if log != nil {
				log.Verbose("segment %d: repaired %d shards", segment, len(bad))
			}
		}
		segment++

		w := &limitedWriter{W: restored, N: remaining}
		for _, s := range shards[:h.NDataShards] {
			if _, err := w.Write(s); err != nil {
				return err
			}
		}
		remaining = w.N
		return genc.Encode(rsFileSegment{Hashes: hashes, Parity: shards[h.NDataShards:]})
	})
	if err != nil {
		return err
	}
	if genc == nil {
		return fmt.Errorf("no segments in sidecar for %d bytes", size)
	}
	return nil
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the sidecar for fn to fn+Suffix.
func EncodeFile(fn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	tmp := fn + Suffix + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, nDataShards, nParityShards, hashRate); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("%s: %w", fn, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, fn+Suffix)
}

// CheckFile verifies fn against fn+Suffix.
func CheckFile(fn string, log *u.Logger) error {
	f, rs, _, err := open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rs.Close()
	if err := Check(f, rs, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile writes repaired versions of fn and its sidecar to
// fn+".recovered" and fn+Suffix+".recovered" and returns their paths.
func RestoreFile(fn string, log *u.Logger) (string, string, error) {
	f, rs, size, err := open(fn)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	defer rs.Close()

	dataPath, rsPath := fn+".recovered", fn+Suffix+".recovered"
	dout, err := os.Create(dataPath)
	if err != nil {
		return "", "", err
	}
	defer dout.Close()
	rout, err := os.Create(rsPath)
	if err != nil {
		return "", "", err
	}
	defer rout.Close()

	if err := Restore(f, rs, size, dout, rout, log); err != nil {
		os.Remove(dataPath)
		os.Remove(rsPath)
		return "", "", fmt.Errorf("%s: %w", fn, err)
	}
	if err := dout.Close(); err != nil {
		return "", "", err
	}
	return dataPath, rsPath, rout.Close()
}

func open(fn string) (data, rs *os.File, size int64, err error) {
	if data, err = os.Open(fn); err != nil {
		return
	}
	var fi os.FileInfo
	if fi, err = data.Stat(); err != nil {
		data.Close()
		return
	}
	if rs, err = os.Open(fn + Suffix); err != nil {
		data.Close()
		return
	}
	return data, rs, fi.Size(), nil
}
