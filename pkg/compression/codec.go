// Package compression provides the payload compression pipeline used by the
// cache. Payloads are serialized to bytes, compressed when a category's
// policy asks for it and the payload clears the size threshold, and
// transparently restored on read by sniffing the codec's magic bytes.
package compression

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// Codec algorithm names
const (
	AlgorithmGzip = "gzip"
	AlgorithmZlib = "zlib"
)

// maxDecompressedBytes limits decompression output to prevent decompression bombs
const maxDecompressedBytes = 100 * 1024 * 1024 // 100MB max

// Codec compresses and decompresses byte payloads. Implementations must be
// identifiable from their output so reads can pick the right codec without
// out-of-band metadata.
type Codec interface {
	// Name returns the algorithm identifier stored in entry metadata
	Name() string
	// Compress returns the compressed form of data
	Compress(data []byte) ([]byte, error)
	// Decompress restores data produced by Compress
	Decompress(data []byte) ([]byte, error)
	// Sniff reports whether data starts with this codec's magic bytes
	Sniff(data []byte) bool
}

// gzipCodec implements Codec over compress/gzip
type gzipCodec struct {
	level int
}

// NewGzipCodec creates a gzip codec with the given compression level
func NewGzipCodec(level int) (Codec, error) {
	if level < gzip.NoCompression || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level: %d", level)
	}
	return &gzipCodec{level: level}, nil
}

// Name implements Codec.Name
func (c *gzipCodec) Name() string { return AlgorithmGzip }

// Compress implements Codec.Compress
func (c *gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}

	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress implements Codec.Decompress
func (c *gzipCodec) Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gz.Close()
	}()

	// Limit reader to prevent decompression bombs
	limitedReader := io.LimitReader(gz, maxDecompressedBytes)
	return io.ReadAll(limitedReader)
}

// Sniff implements Codec.Sniff by checking for gzip magic bytes
func (c *gzipCodec) Sniff(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// zlibCodec implements Codec over compress/zlib
type zlibCodec struct {
	level int
}

// NewZlibCodec creates a zlib codec with the given compression level
func NewZlibCodec(level int) (Codec, error) {
	if level < zlib.NoCompression || level > zlib.BestCompression {
		return nil, fmt.Errorf("invalid compression level: %d", level)
	}
	return &zlibCodec{level: level}, nil
}

// Name implements Codec.Name
func (c *zlibCodec) Name() string { return AlgorithmZlib }

// Compress implements Codec.Compress
func (c *zlibCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zl, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}

	if _, err := zl.Write(data); err != nil {
		_ = zl.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}

	if err := zl.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress implements Codec.Decompress
func (c *zlibCodec) Decompress(data []byte) ([]byte, error) {
	zl, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = zl.Close()
	}()

	limitedReader := io.LimitReader(zl, maxDecompressedBytes)
	return io.ReadAll(limitedReader)
}

// Sniff implements Codec.Sniff by checking the zlib CMF/FLG header pair
func (c *zlibCodec) Sniff(data []byte) bool {
	if len(data) < 2 || data[0] != 0x78 {
		return false
	}
	switch data[1] {
	case 0x01, 0x5e, 0x9c, 0xda:
		return true
	}
	return false
}
