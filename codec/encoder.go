// codec/encoder.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	u "github.com/mmp/bkmirror/util"
)

type Compression int

const (
	CompressNever Compression = iota
	// Compress when gzip shrinks the file below compressionThreshold of
	// its size.
	CompressAuto
	CompressAlways
)

const compressionThreshold = 0.95

var errNotReset = errors.New("encoder has no source; call Reset first")

type encoderState int

const (
	encoderIdle encoderState = iota
	encoderStreaming
	encoderDone
)

// Encoder produces the encoded form of one file at a time as an
// io.Reader. The source is consumed a chunk at a time as the output is
// read, so memory use stays bounded regardless of the file size. An
// Encoder may be reused for many files via Reset.
type Encoder struct {
	state   encoderState
	src     *os.File
	header  Header
	modTime time.Time
	length  int64

	srcLen, srcRead int64
	chunk           []byte
	out             bytes.Buffer
	enc             blockEncrypter
	zw              *gzip.Writer
	err             error
}

func NewEncoder() *Encoder {
	return &Encoder{chunk: make([]byte, ChunkSize)}
}

// Reset prepares the encoder to produce the encoding of sourcePath.
// relPath is stored, encrypted, in the stream so that a restore can
// recreate the file's location; keyHint is stored in the clear so that
// decoders can pick the matching key.
func (e *Encoder) Reset(sourcePath, relPath string, key []byte, mode Compression, keyHint uint16) error {
	e.Close()
	e.state = encoderIdle
	e.out.Reset()
	e.err = nil
	e.srcRead = 0

	rel := []byte(relPath)
	if len(rel) > 0xffff {
		return fmt.Errorf("%s: %w", relPath, ErrPathTooLong)
	}
	block, err := newBlock(key)
	if err != nil {
		return err
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return fmt.Errorf("%s: not a regular file", sourcePath)
	}

	size := fi.Size()
	pre, compressed := size, false
	if mode != CompressNever {
		n, err := e.compressedSize(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", sourcePath, err)
		}
		if mode == CompressAlways || float64(n) < float64(size)*compressionThreshold {
			pre, compressed = n, true
		}
	}

	iv, err := randomIV()
	if err != nil {
		f.Close()
		return err
	}

	e.header = Header{
		Version:        Version,
		Compressed:     compressed,
		IV:             iv,
		RelPathLen:     uint16(len(rel)),
		PreEncryptSize: pre,
		ModTicks:       u.TimeToTicks(fi.ModTime()),
		KeyHint:        keyHint,
	}
	e.modTime = fi.ModTime()
	e.length = e.header.EncodedLen()
	e.src = f
	e.srcLen = size

	e.out.Write(e.header.Marshal())
	e.enc.reset(cipher.NewCBCEncrypter(block, iv[:]), &e.out)
	e.enc.Write(rel)
	if compressed {
		e.zw = getWriter(&e.enc)
	}
	e.state = encoderStreaming
	return nil
}

// compressedSize gzips all of f without keeping the output and then
// rewinds it.
func (e *Encoder) compressedSize(f *os.File) (int64, error) {
	var cw countingWriter
	zw := getWriter(&cw)
	defer putWriter(zw)

	if _, err := io.CopyBuffer(zw, struct{ io.Reader }{f}, e.chunk); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return cw.n, nil
}

// Len returns the total number of bytes Read will produce.
func (e *Encoder) Len() int64 {
	return e.length
}

// ModTime returns the source's modification time as of Reset.
func (e *Encoder) ModTime() time.Time {
	return e.modTime
}

func (e *Encoder) Header() Header {
	return e.header
}

func (e *Encoder) Read(p []byte) (int, error) {
	for e.out.Len() == 0 {
		if e.err != nil {
			return 0, e.err
		}
		switch e.state {
		case encoderIdle:
			return 0, errNotReset
		case encoderDone:
			return 0, io.EOF
		}
		e.fill()
	}
	return e.out.Read(p)
}

// fill encodes the next chunk of the source.
func (e *Encoder) fill() {
	n, err := e.src.Read(e.chunk)
	if n > 0 {
		e.srcRead += int64(n)
		if e.srcRead > e.srcLen {
			e.fail(ErrSourceChanged)
			return
		}
		if e.zw != nil {
			_, err := e.zw.Write(e.chunk[:n])
			if err != nil {
				e.fail(err)
				return
			}
		} else {
			e.enc.Write(e.chunk[:n])
		}
	}

	if err == io.EOF {
		e.finish()
	} else if err != nil {
		e.fail(err)
	}
}

func (e *Encoder) finish() {
	if e.srcRead != e.srcLen {
		e.fail(ErrSourceChanged)
		return
	}
	if e.zw != nil {
		if err := e.zw.Close(); err != nil {
			e.fail(err)
			return
		}
		putWriter(e.zw)
		e.zw = nil
	}
	// With compression, a same-sized edit can still change the gzipped
	// length recorded in the header.
	if e.enc.written != int64(e.header.RelPathLen)+e.header.PreEncryptSize {
		e.fail(ErrSourceChanged)
		return
	}
	e.enc.Close()
	e.src.Close()
	e.src = nil
	e.state = encoderDone
}

func (e *Encoder) fail(err error) {
	e.err = fmt.Errorf("%s: %w", e.src.Name(), err)
	e.out.Reset()
	e.Close()
}

// Close releases the source file. It is safe to call more than once.
func (e *Encoder) Close() error {
	var err error
	if e.src != nil {
		err = e.src.Close()
		e.src = nil
	}
	if e.zw != nil {
		putWriter(e.zw)
		e.zw = nil
	}
	if e.state == encoderStreaming {
		e.state = encoderIdle
	}
	return err
}
