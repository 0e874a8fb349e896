// Package logpipeline builds the Append/GetLines/Compress/DeleteOld log
// contract on top of store.Store's chunk-row primitives, with a
// pluggable compression codec registry keyed by the same kind of small
// integer id the teacher uses for its on-disk format flags
// (internal/format.Header).
package logpipeline

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec ids, stored in store.LogChunk.CompressedID. 0 is always raw and
// always available both ways; ids never get reassigned once shipped.
const (
	CodecRaw    = 0
	CodecGzip   = 1
	CodecBzip2  = 2 // decode-only: stdlib compress/bzip2 has no encoder
	CodecLZ4    = 3
	CodecZstd   = 4
	CodecBrotli = 5
)

// ErrLogCompressionFormatUnavailable is returned by Compress when asked
// for a codec id that has no write-side implementation (currently only
// bzip2). Callers should fall back to CodecRaw rather than fail the
// compression pass outright.
var ErrLogCompressionFormatUnavailable = errors.New("log compression format has no encoder")

// codec pairs a compressor and decompressor for one CompressedID. A nil
// compress means encode-unavailable (bzip2); decompress is always set.
type codec struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

var registry = map[int]codec{
	CodecRaw: {
		compress:   func(b []byte) ([]byte, error) { return b, nil },
		decompress: func(b []byte) ([]byte, error) { return b, nil },
	},
	CodecGzip: {
		compress:   gzipCompress,
		decompress: gzipDecompress,
	},
	CodecBzip2: {
		compress:   nil,
		decompress: bzip2Decompress,
	},
	CodecLZ4: {
		compress:   lz4Compress,
		decompress: lz4Decompress,
	},
	CodecZstd: {
		compress:   zstdCompress,
		decompress: zstdDecompress,
	},
	CodecBrotli: {
		compress:   brotliCompress,
		decompress: brotliDecompress,
	},
}

// encode compresses b with the given codec id. If the codec has no
// encoder, it returns ErrLogCompressionFormatUnavailable so the caller
// can fall back to CodecRaw rather than losing the chunk.
func encode(id int, b []byte) ([]byte, error) {
	c, ok := registry[id]
	if !ok || c.compress == nil {
		return nil, ErrLogCompressionFormatUnavailable
	}
	return c.compress(b)
}

// decode decompresses b according to the given codec id.
func decode(id int, b []byte) ([]byte, error) {
	c, ok := registry[id]
	if !ok {
		return nil, errors.New("logpipeline: unknown codec id")
	}
	return c.decompress(b)
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func bzip2Decompress(b []byte) ([]byte, error) {
	return io.ReadAll(bzip2.NewReader(bytes.NewReader(b)))
}

func lz4Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(b []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
}

func zstdCompress(b []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(b, nil), nil
}

func zstdDecompress(b []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.DecodeAll(b, nil)
}

func brotliCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func brotliDecompress(b []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
}
