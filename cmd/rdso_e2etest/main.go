// cmd/rdso_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// rdso_e2etest encodes a large random file with random Reed-Solomon
// parameters, corrupts a few bytes of it and makes sure that the
// corruption is detected and repaired.
package main

import (
	"bytes"
	"errors"
	"math/rand"
	"os"

	"github.com/mmp/bkmirror/rdso"
	u "github.com/mmp/bkmirror/util"
)

func main() {
	log := u.NewLogger(true /*verbose*/, false /*debug*/)

	seed := int64(os.Getpid())
	log.Verbose("Seed = %d", seed)
	rng := rand.New(rand.NewSource(seed))

	// Make a file full of random bytes.
	length := 64 + rng.Intn(128*1024*1024)
	log.Verbose("File length %d", length)
	buf := make([]byte, length)
	_, _ = rng.Read(buf)

	f, err := os.CreateTemp("", "rdso_e2e")
	if err != nil {
		log.Fatal("%s", err)
	}
	name := f.Name()
	defer os.Remove(name)
	defer os.Remove(name + rdso.Suffix)
	if _, err := f.Write(buf); err != nil {
		log.Fatal("%s", err)
	}
	if err := f.Close(); err != nil {
		log.Fatal("%s", err)
	}

	nShards := 1 + rng.Intn(24)
	nParity := 1 + rng.Intn(8)
	hashRate := 128 + (1 << uint(rng.Intn(20)))
	log.Verbose("%d data shards, %d parity shards, hash rate %d", nShards, nParity, hashRate)
	if err := rdso.EncodeFile(name, nShards, nParity, hashRate); err != nil {
		log.Fatal("%s", err)
	}
	if err := rdso.CheckFile(name, log); err != nil {
		log.Fatal("%s", err)
	}

	// Corrupt at most nParity bytes so that even if they all land in
	// different shards of one segment, it can still be repaired.
	nErrors := 1 + rng.Intn(nParity)
	f, err = os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		log.Fatal("%s: %s", name, err)
	}
	for i := 0; i < nErrors; i++ {
		offset := rng.Int63n(int64(length))
		var b [1]byte
		if _, err := f.ReadAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
		b[0] += byte(1 + rng.Intn(254))
		if _, err := f.WriteAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
	}
	if err := f.Close(); err != nil {
		log.Fatal("%s", err)
	}

	if err := rdso.CheckFile(name, log); !errors.Is(err, rdso.ErrFileCorrupt) {
		log.Fatal("CheckFile of corrupted file returned %v", err)
	}
	if log.Errors() == 0 {
		log.Fatal("no mismatched shards were reported")
	}

	data, rs, err := rdso.RestoreFile(name, log)
	if err != nil {
		log.Fatal("%s", err)
	}
	defer os.Remove(data)
	defer os.Remove(rs)

	recovered, err := os.ReadFile(data)
	if err != nil {
		log.Fatal("%s", err)
	}
	if !bytes.Equal(recovered, buf) {
		log.Fatal("%s: recovered file doesn't match the original", data)
	}
	log.Verbose("Recovered %d corrupted bytes", nErrors)
}
