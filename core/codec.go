package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// FormatVersion tags every stored value and the store's metadata bucket
	// so a reimplementation with an incompatible layout is detected instead
	// of decoded as garbage.
	FormatVersion byte = 1

	// ValueHeaderSize is the fixed prefix of every stored value:
	// format version (1) + compression type (1) + payload CRC32 (4).
	ValueHeaderSize = 6

	// StoreFileName is the database file created inside the data directory.
	StoreFileName = "timeline.db"

	// MaxPayloadFieldSize bounds a single length-prefixed field on decode.
	// Values beyond this are corruption, not data.
	MaxPayloadFieldSize = 64 << 20
)

// EncodeTickKey encodes a tick number as an 8-byte big-endian key, so
// byte-wise key order in the store matches numeric tick order.
func EncodeTickKey(tick uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, tick)
	return key
}

// DecodeTickKey is the inverse of EncodeTickKey.
func DecodeTickKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("invalid tick key length %d, want 8", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// Payload layout: each field is written as uvarint length + bytes, in a
// fixed field order per record kind, after a uvarint tick number. The frame
// around the payload (version, compression, checksum) is the store's concern.

func writeUvarint(w *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	w.Write(scratch[:n])
}

func writeBytesField(w *bytes.Buffer, field []byte) {
	writeUvarint(w, uint64(len(field)))
	w.Write(field)
}

func readBytesField(r *bytes.Reader, name string) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read %s length: %w", name, err)
	}
	if length == 0 {
		return nil, nil
	}
	if length > MaxPayloadFieldSize {
		return nil, fmt.Errorf("%s length %d exceeds limit", name, length)
	}
	field := make([]byte, length)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return field, nil
}

// EncodeTickRecordPayload serializes a tick record into dst.
func EncodeTickRecordPayload(dst *bytes.Buffer, rec *TickRecord) error {
	if rec == nil {
		return fmt.Errorf("nil tick record")
	}
	writeUvarint(dst, rec.Tick)
	writeBytesField(dst, rec.StateDelta)
	writeBytesField(dst, rec.StructuredUpdates)
	writeBytesField(dst, rec.AuxiliaryViewData)
	return nil
}

// DecodeTickRecordPayload is the inverse of EncodeTickRecordPayload.
func DecodeTickRecordPayload(r *bytes.Reader) (*TickRecord, error) {
	tick, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read tick: %w", err)
	}
	rec := &TickRecord{Tick: tick}
	if rec.StateDelta, err = readBytesField(r, "state delta"); err != nil {
		return nil, err
	}
	if rec.StructuredUpdates, err = readBytesField(r, "structured updates"); err != nil {
		return nil, err
	}
	if rec.AuxiliaryViewData, err = readBytesField(r, "auxiliary view data"); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("tick record payload has %d trailing bytes", r.Len())
	}
	return rec, nil
}

// EncodeCheckpointPayload serializes a checkpoint into dst.
func EncodeCheckpointPayload(dst *bytes.Buffer, cp *CheckpointRecord) error {
	if cp == nil {
		return fmt.Errorf("nil checkpoint record")
	}
	writeUvarint(dst, cp.Tick)
	writeBytesField(dst, cp.FullState)
	writeBytesField(dst, cp.Roster)
	writeBytesField(dst, cp.Units)
	return nil
}

// DecodeCheckpointPayload is the inverse of EncodeCheckpointPayload.
func DecodeCheckpointPayload(r *bytes.Reader) (*CheckpointRecord, error) {
	tick, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read tick: %w", err)
	}
	cp := &CheckpointRecord{Tick: tick}
	if cp.FullState, err = readBytesField(r, "full state"); err != nil {
		return nil, err
	}
	if cp.Roster, err = readBytesField(r, "roster"); err != nil {
		return nil, err
	}
	if cp.Units, err = readBytesField(r, "units"); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("checkpoint payload has %d trailing bytes", r.Len())
	}
	return cp, nil
}
