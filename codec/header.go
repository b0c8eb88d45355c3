// codec/header.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package codec implements the encoded file format used for encrypted
// backups: a fixed 38 byte header followed by the AES-256-CBC encryption
// (PKCS#7 padded) of the file's relative path and its optionally gzipped
// contents.
//
// Header layout, all integers little-endian:
//
//	[0]      format version (1)
//	[1]      1 if the payload is gzip compressed
//	[2:18]   AES IV
//	[18:20]  length of the UTF-8 relative path
//	[20:28]  payload length before encryption
//	[28:36]  source modification time in 100ns ticks since 0001-01-01 UTC
//	[36:38]  key number used to encrypt, or 0
package codec

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	u "github.com/mmp/bkmirror/util"
)

const (
	Version    = 1
	HeaderSize = 38
	KeySize    = 32
	// Source files are consumed, and decoded data produced, in chunks of
	// this size.
	ChunkSize = 64 * 1024
	// Callers that only need the header and relative path can stop after
	// this many encoded bytes.
	PrefixSize = 1024
)

var (
	ErrBadVersion        = errors.New("unsupported encoded file version")
	ErrCorruptHeader     = errors.New("corrupt header")
	ErrShortHeader       = errors.New("too little data to decode the header")
	ErrShortRelativePath = errors.New("too little data to decode the relative path")
	ErrNoKey             = errors.New("no decryption key available")
	ErrBadKey            = errors.New("encryption keys must be 32 bytes")
	ErrTruncated         = errors.New("encoded data is truncated")
	ErrTrailingData      = errors.New("encoded data continues past its end")
	ErrBadPadding        = errors.New("invalid padding; wrong key or corrupt data")
	ErrSizeMismatch      = errors.New("decoded size does not match the header")
	ErrSourceChanged     = errors.New("source file changed while it was being encoded")
	ErrPathTooLong       = errors.New("relative path longer than 65535 bytes")
)

type Header struct {
	Version        uint8
	Compressed     bool
	IV             [aes.BlockSize]byte
	RelPathLen     uint16
	PreEncryptSize int64
	ModTicks       int64
	KeyHint        uint16
}

func (h *Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Version
	if h.Compressed {
		b[1] = 1
	}
	copy(b[2:18], h.IV[:])
	binary.LittleEndian.PutUint16(b[18:20], h.RelPathLen)
	binary.LittleEndian.PutUint64(b[20:28], uint64(h.PreEncryptSize))
	binary.LittleEndian.PutUint64(b[28:36], uint64(h.ModTicks))
	binary.LittleEndian.PutUint16(b[36:38], h.KeyHint)
	return b
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortHeader
	}
	h.Version = b[0]
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	h.Compressed = b[1] != 0
	copy(h.IV[:], b[2:18])
	h.RelPathLen = binary.LittleEndian.Uint16(b[18:20])
	h.PreEncryptSize = int64(binary.LittleEndian.Uint64(b[20:28]))
	h.ModTicks = int64(binary.LittleEndian.Uint64(b[28:36]))
	h.KeyHint = binary.LittleEndian.Uint16(b[36:38])
	if h.PreEncryptSize < 0 {
		return h, fmt.Errorf("%w: negative payload size", ErrCorruptHeader)
	}
	return h, nil
}

// ModTime returns the recorded source modification time, or the zero time
// if it is unknown.
func (h *Header) ModTime() time.Time {
	return u.TicksToTime(h.ModTicks)
}

// CipherLen is the length of the encrypted part of the stream.
func (h *Header) CipherLen() int64 {
	return paddedLen(int64(h.RelPathLen) + h.PreEncryptSize)
}

// EncodedLen is the total length of the stream, header included.
func (h *Header) EncodedLen() int64 {
	return HeaderSize + h.CipherLen()
}

// EncodedLen returns the stream length for a relative path of relLen bytes
// and a payload of preSize bytes.
func EncodedLen(relLen int, preSize int64) int64 {
	return HeaderSize + paddedLen(int64(relLen)+preSize)
}

// PKCS#7 always adds between 1 and 16 bytes.
func paddedLen(n int64) int64 {
	return n + (aes.BlockSize - n%aes.BlockSize)
}

// StreamInfo describes an encoded stream once its header and relative path
// have been decoded.
type StreamInfo struct {
	RelativePath   string
	ModTime        time.Time // zero if unknown
	PreEncryptSize int64
	EncodedLen     int64
	Compressed     bool
	KeyHint        uint16
}

// KeyLookup maps key numbers to 32 byte keys.
type KeyLookup interface {
	Key(number uint16) ([]byte, bool)
}
