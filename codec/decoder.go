// codec/decoder.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Resolver is called once per stream, as soon as the header and relative
// path have been decoded. It returns the path the decoded file should be
// written to, or "" to only inspect the stream and discard the payload.
type Resolver func(info StreamInfo) string

type decoderState int

const (
	awaitingHeader decoderState = iota
	awaitingRelPath
	streaming
	decoderDone
)

// Decoder consumes an encoded stream pushed to it through Write and
// writes the decoded file to the location chosen by its Resolver.
// Decryption happens a block at a time as data arrives; the final block
// is held back until Flush so that its padding can be checked.
type Decoder struct {
	keys    KeyLookup
	key     []byte
	resolve Resolver

	state  decoderState
	header Header
	mode   cipher.BlockMode
	info   StreamInfo

	in        bytes.Buffer // undecrypted input
	plain     bytes.Buffer // decrypted, not yet delivered
	cipherLen int64
	consumed  int64 // ciphertext bytes decrypted

	discard  bool
	resolved bool
	dest     string
	file     *os.File
	pw       *io.PipeWriter
	zdone    chan error
	written  int64 // payload bytes delivered, before decompression

	err error
}

// NewDecoder returns a decoder that resolves key hints through keys, which
// may be nil.
func NewDecoder(keys KeyLookup) *Decoder {
	return &Decoder{keys: keys}
}

// Reset prepares the decoder for a new stream. key is used when the
// stream's key hint is zero or unknown to the decoder's KeyLookup; it may
// be nil. A stream that was in progress is abandoned and its partial
// output removed.
func (d *Decoder) Reset(key []byte, resolve Resolver) {
	if d.state != decoderDone && d.err == nil {
		d.abort()
	}
	d.key = key
	d.resolve = resolve
	d.state = awaitingHeader
	d.header = Header{}
	d.info = StreamInfo{}
	d.mode = nil
	d.in.Reset()
	d.plain.Reset()
	d.cipherLen, d.consumed, d.written = 0, 0, 0
	d.discard, d.resolved = false, false
	d.dest = ""
	d.file, d.pw, d.zdone = nil, nil, nil
	d.err = nil
}

// Resolved reports whether the Resolver has been called for the current
// stream.
func (d *Decoder) Resolved() bool {
	return d.resolved
}

// Info returns what is known about the stream; it is only meaningful
// once Resolved returns true.
func (d *Decoder) Info() StreamInfo {
	return d.info
}

// Destination returns the path the Resolver chose, or "".
func (d *Decoder) Destination() string {
	return d.dest
}

func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.state == decoderDone {
		return 0, ErrTrailingData
	}

	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > ChunkSize {
			n = ChunkSize
		}
		d.in.Write(p[:n])
		p = p[n:]
		written += n
		if err := d.process(); err != nil {
			d.fail(err)
			return written, d.err
		}
	}
	return written, nil
}

func (d *Decoder) process() error {
	if d.state == awaitingHeader {
		if d.in.Len() < HeaderSize {
			return nil
		}
		if err := d.startStream(); err != nil {
			return err
		}
	}

	if d.consumed+int64(d.in.Len()) > d.cipherLen {
		return ErrTrailingData
	}

	if d.state == awaitingRelPath {
		ok, err := d.extractRelPath()
		if !ok || err != nil {
			return err
		}
	}

	if d.discard {
		d.in.Reset()
		return nil
	}

	// Everything but the stream's final block, which Flush handles.
	blocks := int64(d.in.Len() / aes.BlockSize)
	if remaining := (d.cipherLen - d.consumed) / aes.BlockSize; blocks >= remaining {
		blocks = remaining - 1
	}
	if blocks > 0 {
		if err := d.decrypt(blocks, false); err != nil {
			return err
		}
	}
	return d.deliver()
}

func (d *Decoder) startStream() error {
	h, err := ParseHeader(d.in.Next(HeaderSize))
	if err != nil {
		return err
	}

	var key []byte
	if h.KeyHint != 0 && d.keys != nil {
		if k, ok := d.keys.Key(h.KeyHint); ok {
			key = k
		}
	}
	if key == nil {
		key = d.key
	}
	if key == nil {
		return fmt.Errorf("%w for key number %d", ErrNoKey, h.KeyHint)
	}
	block, err := newBlock(key)
	if err != nil {
		return err
	}

	d.header = h
	d.mode = cipher.NewCBCDecrypter(block, h.IV[:])
	d.cipherLen = h.CipherLen()
	d.state = awaitingRelPath
	return nil
}

// extractRelPath decrypts enough of the stream to recover the relative
// path and then calls the resolver. It returns false if more input is
// needed.
func (d *Decoder) extractRelPath() (bool, error) {
	rel := int64(d.header.RelPathLen)
	relBlocks := (rel + aes.BlockSize - 1) / aes.BlockSize
	totalBlocks := d.cipherLen / aes.BlockSize

	if relBlocks < totalBlocks {
		if int64(d.in.Len()) < relBlocks*aes.BlockSize {
			return false, nil
		}
		if err := d.decrypt(relBlocks, false); err != nil {
			return false, err
		}
	} else {
		// The path runs into the final, padded block.
		if int64(d.in.Len()) < d.cipherLen {
			return false, nil
		}
		if err := d.decrypt(totalBlocks, true); err != nil {
			return false, err
		}
		if int64(d.plain.Len()) < rel {
			return false, ErrShortRelativePath
		}
	}

	d.info = StreamInfo{
		RelativePath:   string(d.plain.Next(int(rel))),
		ModTime:        d.header.ModTime(),
		PreEncryptSize: d.header.PreEncryptSize,
		EncodedLen:     d.header.EncodedLen(),
		Compressed:     d.header.Compressed,
		KeyHint:        d.header.KeyHint,
	}
	d.state = streaming
	d.resolved = true

	if d.resolve != nil {
		d.dest = d.resolve(d.info)
	}
	if d.dest == "" {
		d.discard = true
		d.plain.Reset()
		return true, nil
	}
	return true, d.openDestination()
}

func (d *Decoder) openDestination() error {
	if err := os.MkdirAll(filepath.Dir(d.dest), 0755); err != nil {
		return err
	}
	f, err := os.Create(d.dest)
	if err != nil {
		return err
	}
	d.file = f

	if d.header.Compressed {
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		d.pw, d.zdone = pw, done
		go func() {
			zr, err := getReader(pr)
			if err == nil {
				_, err = io.Copy(f, zr)
				putReader(zr)
			}
			pr.CloseWithError(err)
			done <- err
		}()
	}
	return nil
}

// decrypt moves n blocks from in to plain. If final is set the last of
// them is the stream's final block and its padding is removed.
func (d *Decoder) decrypt(n int64, final bool) error {
	buf := d.in.Next(int(n * aes.BlockSize))
	start := d.plain.Len()
	d.plain.Write(buf)
	dec := d.plain.Bytes()[start:]
	d.mode.CryptBlocks(dec, dec)
	d.consumed += int64(len(buf))

	if final {
		last := dec[len(dec)-aes.BlockSize:]
		kept, err := unpad(last)
		if err != nil {
			return err
		}
		d.plain.Truncate(d.plain.Len() - (aes.BlockSize - len(kept)))
	}
	return nil
}

// deliver sends decrypted payload bytes to the destination.
func (d *Decoder) deliver() error {
	if d.plain.Len() == 0 {
		return nil
	}
	var w io.Writer = d.file
	if d.pw != nil {
		w = d.pw
	}
	n, err := w.Write(d.plain.Bytes())
	d.written += int64(n)
	d.plain.Reset()
	return err
}

// Flush finishes the current stream: the final block is decrypted and
// unpadded, the decompressor drained and the destination closed. It
// fails if the stream was cut short.
func (d *Decoder) Flush() error {
	if d.err != nil {
		return d.err
	}
	switch d.state {
	case awaitingHeader:
		d.fail(ErrShortHeader)
		return d.err
	case awaitingRelPath:
		d.fail(ErrShortRelativePath)
		return d.err
	case decoderDone:
		return nil
	}

	if d.discard {
		d.state = decoderDone
		return nil
	}

	remaining := d.cipherLen - d.consumed
	if int64(d.in.Len()) != remaining {
		d.fail(fmt.Errorf("%w: have %d of %d bytes", ErrTruncated,
			d.consumed+int64(d.in.Len()), d.cipherLen))
		return d.err
	}
	if remaining > 0 {
		if err := d.decrypt(remaining/aes.BlockSize, true); err != nil {
			d.fail(err)
			return d.err
		}
	}
	if err := d.deliver(); err != nil {
		d.fail(err)
		return d.err
	}

	if d.pw != nil {
		d.pw.Close()
		err := <-d.zdone
		d.pw = nil
		if err != nil {
			d.fail(err)
			return d.err
		}
	}
	if d.written != d.header.PreEncryptSize {
		d.fail(fmt.Errorf("%w: decoded %d bytes, expected %d", ErrSizeMismatch,
			d.written, d.header.PreEncryptSize))
		return d.err
	}

	err := d.file.Close()
	d.file = nil
	if err != nil {
		d.fail(err)
		return d.err
	}
	d.state = decoderDone
	return nil
}

func (d *Decoder) fail(err error) {
	if d.dest != "" {
		err = fmt.Errorf("%s: %w", d.dest, err)
	}
	d.err = err
	d.abort()
}

// abort tears down any output in progress and removes the partial file.
func (d *Decoder) abort() {
	if d.pw != nil {
		d.pw.CloseWithError(io.ErrUnexpectedEOF)
		<-d.zdone
		d.pw = nil
	}
	if d.file != nil {
		d.file.Close()
		os.Remove(d.dest)
		d.file = nil
	}
}
