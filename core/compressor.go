package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used for a stored
// value. The type byte is persisted with each value so reads are
// self-describing regardless of the configured write compressor.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression
// algorithms applied to stored record values.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, reusing dst's allocation.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// CompressionTypeFromString parses a config-file compression name.
func CompressionTypeFromString(name string) (CompressionType, bool) {
	switch name {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}
