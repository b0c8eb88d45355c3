// cmd/bkmirror/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFormatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Describe the formats of encrypted backups, the registry and parity files",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(formatText)
		},
	}
}

var formatText = `
This document describes the way that bkmirror stores encrypted backups in
enough detail that (if ever necessary) it's possible to restore them
without the bkmirror source code.

# Plain backups

A plain backup is a copy of the source tree. Files keep their names and
modification times; nothing else is recorded.

# Encrypted objects

Each file in an encrypted backup is stored as a single object named
<prefix><id>.bin, for example "a1000.bin", either in a directory on disk
or in a cloud storage bucket. Object names carry no information about the
file; the relative path is stored, encrypted, inside the object.

Every object starts with a 38 byte header. Integers are little-endian.

	[0]      format version; currently 1
	[1]      1 if the payload was gzip compressed before encryption
	[2:18]   the AES initialization vector
	[18:20]  length in bytes of the UTF-8 relative path
	[20:28]  length of the payload before encryption (after compression)
	[28:36]  source modification time, in 100ns ticks since
	         0001-01-01 00:00:00 UTC; 0 if unknown
	[36:38]  the number of the key used to encrypt, or 0 if unrecorded

The rest of the object is the AES-256-CBC encryption, with the IV from the
header, of the relative path immediately followed by the payload, padded
to a multiple of 16 bytes with PKCS#7 padding. There is always at least
one byte of padding. The total object length is thus

	38 + 16*floor((pathLen + payloadLen)/16 + 1)

After decryption, the first pathLen bytes are the relative path; its
first component is the backup's embedded prefix (for example "home" in
"home/notes/todo.txt"). Paths written on Windows use '\' as separator.
The remainder is the file's contents, which must be gunzipped if the
compressed flag is set.

# Keys

Keys are 32 random bytes. The key store is a YAML file holding a salt,
the hash of the passphrase and, for each key, its number, optional name,
an IV and the key encrypted with AES in CFB mode. All binary values are
hex encoded.

Given the passphrase, a 64 byte derived key is computed using 65536 rounds
of pbkdf2 with SHA256:

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

The first 32 bytes of the result should match the passphrase hash. The
last 32 bytes decrypt the keys.

# The registry

The registry records which object holds each backed up file. It is a text
file with one line per file:

	/real/path/to/file <TAB> prefix <TAB> payload

where payload is the 16 character base64 (standard alphabet, padded)
encoding of 12 bytes: the object id as a uint32 followed by the
modification time of the backed up version as an int64 of 100ns ticks,
both little-endian. The object for the line is <prefix><id>.bin. Deleted
files have their payload overwritten with "AAAAAAAAAAAAAAAA"; such lines
should be ignored.

The registry isn't needed to restore a backup, since every object holds
its own path; it's only needed to keep a backup up to date.

# Reed-Solomon parity

The registry may be protected with Reed-Solomon parity, stored alongside
it in a file with an added ".rs" suffix. The parity file is a stream of
values encoded with the Go "gob" package: first a header

	type rsFileHeader struct {
		FileSize                   int64
		NDataShards, NParityShards int
		HashRate                   int
	}

and then, for each NDataShards*HashRate bytes of the file (the last piece
zero padded), a segment

	type rsFileSegment struct {
		Hashes [][64]byte // SHAKE256 of each data shard, then each parity shard
		Parity [][]byte
	}

Each shard is HashRate bytes; a shard whose hash doesn't match is treated
as missing when reconstructing the segment.
`
