// codec/pool.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"compress/gzip"
	"io"
	"sync"
)

// Reusing gzip writers gives a huge benefit; an almost 40% reduction in
// overall runtime thanks to much less GC.
var writerPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

func getWriter(w io.Writer) *gzip.Writer {
	zw := writerPool.Get().(*gzip.Writer)
	zw.Reset(w)
	return zw
}

func putWriter(zw *gzip.Writer) {
	zw.Reset(io.Discard)
	writerPool.Put(zw)
}

// gzip.Reader has no usable zero value and Reset needs a valid stream, so
// the pool starts empty.
var readerPool sync.Pool

func getReader(r io.Reader) (*gzip.Reader, error) {
	if zr, ok := readerPool.Get().(*gzip.Reader); ok {
		if err := zr.Reset(r); err != nil {
			return nil, err
		}
		return zr, nil
	}
	return gzip.NewReader(r)
}

func putReader(zr *gzip.Reader) {
	readerPool.Put(zr)
}

///////////////////////////////////////////////////////////////////////////
// countingWriter

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
