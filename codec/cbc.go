// codec/cbc.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrBadKey, len(key))
	}
	return aes.NewCipher(key)
}

func randomIV() ([aes.BlockSize]byte, error) {
	var iv [aes.BlockSize]byte
	_, err := rand.Read(iv[:])
	return iv, err
}

///////////////////////////////////////////////////////////////////////////
// blockEncrypter

// blockEncrypter is an io.Writer that encrypts whole blocks as soon as they
// are complete and appends the ciphertext to out. Close pads the final
// partial block.
type blockEncrypter struct {
	mode    cipher.BlockMode
	out     *bytes.Buffer
	pending [aes.BlockSize]byte
	npend   int
	// Plaintext bytes accepted so far.
	written int64
}

func (e *blockEncrypter) reset(mode cipher.BlockMode, out *bytes.Buffer) {
	e.mode = mode
	e.out = out
	e.npend = 0
	e.written = 0
}

func (e *blockEncrypter) Write(p []byte) (int, error) {
	n := len(p)
	e.written += int64(n)

	if e.npend > 0 {
		c := copy(e.pending[e.npend:], p)
		e.npend += c
		p = p[c:]
		if e.npend < aes.BlockSize {
			return n, nil
		}
		e.mode.CryptBlocks(e.pending[:], e.pending[:])
		e.out.Write(e.pending[:])
		e.npend = 0
	}

	whole := len(p) - len(p)%aes.BlockSize
	if whole > 0 {
		start := e.out.Len()
		e.out.Write(p[:whole])
		enc := e.out.Bytes()[start:]
		e.mode.CryptBlocks(enc, enc)
	}
	e.npend = copy(e.pending[:], p[whole:])
	return n, nil
}

// Close writes the final block, which holds the remaining plaintext and
// 1 to 16 bytes of PKCS#7 padding.
func (e *blockEncrypter) Close() error {
	pad := aes.BlockSize - e.npend
	for i := e.npend; i < aes.BlockSize; i++ {
		e.pending[i] = byte(pad)
	}
	e.mode.CryptBlocks(e.pending[:], e.pending[:])
	e.out.Write(e.pending[:])
	e.npend = 0
	return nil
}

// unpad validates and strips PKCS#7 padding from a final block.
func unpad(block []byte) ([]byte, error) {
	if len(block) != aes.BlockSize {
		return nil, ErrBadPadding
	}
	pad := int(block[len(block)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrBadPadding
	}
	for _, b := range block[len(block)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return block[:len(block)-pad], nil
}
