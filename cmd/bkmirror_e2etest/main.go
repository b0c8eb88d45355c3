// cmd/bkmirror_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bkmirror_e2etest repeatedly mutates a random directory tree, runs
// "bkmirror check" to update a plain and an encrypted backup of it, and
// then verifies the plain mirror and a full restore of the encrypted one
// against the source. bkmirror must be in $PATH.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	u "github.com/mmp/bkmirror/util"
)

const e2eDir = "/tmp/bkmirror_e2e"

var (
	log          = u.NewLogger(true /*verbose*/, false /*debug*/)
	nDirs        = 1
	createdFiles = make(map[string]bool)
)

func main() {
	seed := int64(os.Getpid())
	log.Verbose("Seed %d", seed)
	rng = rand.New(rand.NewSource(seed))

	_ = os.RemoveAll(e2eDir)
	if err := os.MkdirAll(e2eDir, 0700); err != nil {
		log.Fatal("%s", err)
	}
	os.Setenv("BKMIRROR_PASSPHRASE", "foobar")
	config := filepath.Join(e2eDir, "bkmirror.yaml")
	os.Setenv("BKMIRROR_CONFIG", config)

	src := filepath.Join(e2eDir, "src")
	plain := filepath.Join(e2eDir, "plain")
	restored := filepath.Join(e2eDir, "restored")
	for _, d := range []string{src, plain} {
		if err := os.Mkdir(d, 0700); err != nil {
			log.Fatal("%s", err)
		}
	}

	// The key store has to exist before a job can name a key.
	writeConfig(config, "")
	out, err := runCommand("bkmirror keys add --name e2e")
	if err != nil {
		log.Fatal("keys add: %s", err)
	}
	key, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		log.Fatal("%q: unexpected key number", out)
	}
	writeConfig(config, fmt.Sprintf(jobsTemplate, src, plain, src, key))

	backupTest(src, plain, restored, 20)
	log.Print("Success")
}

const configTemplate = `registry:
  path: registry.txt
  parity: %v
keys: keys.yaml
%s`

const jobsTemplate = `backups:
  - name: plain
    type: plain
    enabled: true
    source: %s
    destination: %s
  - name: encrypted
    type: encrypted
    enabled: true
    source: %s
    embedded_prefix: e2e
    key: %d
    target: disk
    container: objects
restore:
  sources:
    - target: disk
      container: objects
`

func writeConfig(path, jobs string) {
	c := fmt.Sprintf(configTemplate, randBool(), jobs)
	if err := os.WriteFile(path, []byte(c), 0600); err != nil {
		log.Fatal("%s", err)
	}
}

var rng *rand.Rand

func randBool() bool {
	return rng.Float32() < .5
}

func expSize() int64 {
	logSize := rng.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rng.Int63n(s)
	}
	return s
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Verbose("Running %s %v", c, args)
	fields := strings.Fields(c)
	cmd := exec.Command(fields[0], append(fields[1:], args...)...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

///////////////////////////////////////////////////////////////////////////

func backupTest(src, plain, restored string, iters int) {
	for i := 0; i < iters; i++ {
		// Mod times are compared to decide what to copy; make sure that
		// an update can't land in the same tick as the previous check.
		time.Sleep(10 * time.Millisecond)

		if err := update(src); err != nil {
			log.Fatal("%s", err)
		}
		if _, err := runCommand("bkmirror check -v"); err != nil {
			log.Fatal("check: %s", err)
		}
		if err := compare(src, plain); err != nil {
			log.Fatal("plain mirror: %s", err)
		}

		if err := os.RemoveAll(restored); err != nil {
			log.Fatal("%s", err)
		}
		if _, err := runCommand("bkmirror restore run --index 0 --to", restored); err != nil {
			log.Fatal("restore: %s", err)
		}
		if err := compare(src, filepath.Join(restored, "e2e")); err != nil {
			log.Fatal("restore: %s", err)
		}
		log.Verbose("Iteration %d ok", i)
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rng.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func writeRandom(path string) error {
	buf := make([]byte, expSize())
	_, _ = rng.Read(buf)
	log.Verbose("%s: writing %d bytes", path, len(buf))
	return os.WriteFile(path, buf, 0644)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Verbose("Updating %s", dir)

	var removed []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			dirsToCreate := 0
			for i := 0; i < dirsLeftToCreate; i++ {
				if rng.Intn(nDirs) == 0 {
					dirsToCreate++
					if err := os.Mkdir(name(path), 0700); err != nil {
						return err
					}
				}
			}
			nDirs += dirsToCreate
			dirsLeftToCreate -= dirsToCreate

			filesToCreate := 0
			for i := 0; i < filesLeftToCreate; i++ {
				if rng.Intn(nDirs) == 0 {
					filesToCreate++
					if err := writeRandom(name(path)); err != nil {
						return err
					}
				}
			}
			filesLeftToCreate -= filesToCreate
			return nil
		}

		switch rng.Intn(8) {
		case 0:
			removed = append(removed, path)
		case 1, 2:
			return writeRandom(path)
		case 3:
			// Advance the modification time without going into the future.
			fi, err := d.Info()
			if err != nil {
				return err
			}
			t := fi.ModTime().Add(time.Duration(rng.Intn(10000)) * time.Millisecond)
			if t.After(time.Now()) {
				t = time.Now()
			}
			log.Verbose("%s: advanced modification time to %s", path, t)
			return os.Chtimes(path, t, t)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range removed {
		log.Verbose("%s: removing", path)
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// compare checks that every file below patha is in pathb with the same
// contents and modification time, and that pathb has no other files.
// Empty directories aren't mirrored, so they're not compared.
func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.WalkDir(patha, func(pa string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rest, err := filepath.Rel(patha, pa)
		if err != nil {
			return err
		}
		pb := filepath.Join(pathb, rest)

		stata, err := d.Info()
		if err != nil {
			return err
		}
		statb, err := os.Stat(pb)
		if errors.Is(err, fs.ErrNotExist) {
			log.Print("%s: not found", pb)
			mismatches++
			return nil
		} else if err != nil {
			return err
		}

		// Stored times have 100ns resolution.
		if dt := stata.ModTime().Sub(statb.ModTime()); dt < -100 || dt > 100 {
			log.Print("%s: mod time %s mismatches %s mod time %s", pa, stata.ModTime(),
				pb, statb.ModTime())
			mismatches++
		}

		a, err := os.ReadFile(pa)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(pb)
		if err != nil {
			return err
		}
		if !bytes.Equal(a, b) {
			log.Print("%s and %s differ", pa, pb)
			mismatches++
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = filepath.WalkDir(pathb, func(pb string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rest, err := filepath.Rel(pathb, pb)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(patha, rest)); errors.Is(err, fs.ErrNotExist) {
			log.Print("%s: unexpected file", pb)
			mismatches++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
