package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexusreplay/core"
)

// Stored value layout:
//
//	[format version (1)] [compression type (1)] [payload CRC32 (4, LE)] [compressed payload]
//
// The checksum covers the compressed payload. The version byte guards each
// value in addition to the store-wide tag in the meta bucket, so a partially
// migrated database still fails loudly per record instead of decoding garbage.

// encodeValue frames an already serialized payload with the value header,
// compressing it with the configured write compressor.
func (s *Store) encodeValue(payload []byte) ([]byte, error) {
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)

	if err := s.compressor.CompressTo(compressed, payload); err != nil {
		return nil, fmt.Errorf("compress value: %w", err)
	}

	value := make([]byte, core.ValueHeaderSize+compressed.Len())
	value[0] = core.FormatVersion
	value[1] = byte(s.compressor.Type())
	binary.LittleEndian.PutUint32(value[2:6], crc32.ChecksumIEEE(compressed.Bytes()))
	copy(value[core.ValueHeaderSize:], compressed.Bytes())
	return value, nil
}

// decodeValue verifies and unwraps a stored value, returning the raw payload.
func decodeValue(value []byte) ([]byte, error) {
	if len(value) < core.ValueHeaderSize {
		return nil, fmt.Errorf("value too short: %d bytes", len(value))
	}
	if value[0] != core.FormatVersion {
		return nil, fmt.Errorf("unsupported value format version %d", value[0])
	}

	compressed := value[core.ValueHeaderSize:]
	wantChecksum := binary.LittleEndian.Uint32(value[2:6])
	if got := crc32.ChecksumIEEE(compressed); got != wantChecksum {
		return nil, fmt.Errorf("checksum mismatch: got 0x%08x, want 0x%08x", got, wantChecksum)
	}

	compressor, err := GetCompressor(core.CompressionType(value[1]))
	if err != nil {
		return nil, err
	}
	reader, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress value: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read decompressed value: %w", err)
	}
	return payload, nil
}

func (s *Store) encodeTickRecord(rec *core.TickRecord) ([]byte, error) {
	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)

	if err := core.EncodeTickRecordPayload(payload, rec); err != nil {
		return nil, err
	}
	return s.encodeValue(payload.Bytes())
}

func decodeTickRecord(value []byte) (*core.TickRecord, error) {
	payload, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	return core.DecodeTickRecordPayload(bytes.NewReader(payload))
}

func (s *Store) encodeCheckpoint(cp *core.CheckpointRecord) ([]byte, error) {
	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)

	if err := core.EncodeCheckpointPayload(payload, cp); err != nil {
		return nil, err
	}
	return s.encodeValue(payload.Bytes())
}

func decodeCheckpoint(value []byte) (*core.CheckpointRecord, error) {
	payload, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	return core.DecodeCheckpointPayload(bytes.NewReader(payload))
}
