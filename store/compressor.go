package store

import (
	"fmt"

	"github.com/INLOpen/nexusreplay/compressors"
	"github.com/INLOpen/nexusreplay/core"
)

// GetCompressor returns a Compressor instance based on the CompressionType.
// This is used during decompression, where the type byte in the stored
// value decides the codec regardless of the configured write compressor.
func GetCompressor(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &compressors.NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &compressors.SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &compressors.LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}
