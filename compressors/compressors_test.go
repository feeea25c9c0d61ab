package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexusreplay/core"
)

func roundtrip(t *testing.T, compressor core.Compressor, data []byte) {
	t.Helper()

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress() returned an unexpected error: %v", err)
	}

	decompressedReader, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() returned an unexpected error: %v", err)
	}
	defer decompressedReader.Close()

	decompressed, err := io.ReadAll(decompressedReader)
	if err != nil {
		t.Fatalf("Failed to read decompressed data: %v", err)
	}
	if len(data) == 0 && len(decompressed) == 0 {
		return
	}
	if !bytes.Equal(data, decompressed) {
		t.Errorf("Decompressed data does not match original data.\nOriginal: %q\nDecompressed: %q", string(data), string(decompressed))
	}

	// CompressTo must produce output Decompress understands as well.
	var buf bytes.Buffer
	if err := compressor.CompressTo(&buf, data); err != nil {
		t.Fatalf("CompressTo() returned an unexpected error: %v", err)
	}
	readerFromTo, err := compressor.Decompress(buf.Bytes())
	if err != nil {
		t.Fatalf("Decompress() after CompressTo() returned an unexpected error: %v", err)
	}
	defer readerFromTo.Close()
	fromTo, err := io.ReadAll(readerFromTo)
	if err != nil {
		t.Fatalf("Failed to read decompressed data after CompressTo: %v", err)
	}
	if len(data) != 0 && !bytes.Equal(data, fromTo) {
		t.Errorf("Decompressed data from CompressTo does not match original data")
	}
}

func TestCompressorsRoundtrip(t *testing.T) {
	compressors := []struct {
		name       string
		compressor core.Compressor
		wantType   core.CompressionType
	}{
		{"none", &NoCompressionCompressor{}, core.CompressionNone},
		{"snappy", NewSnappyCompressor(), core.CompressionSnappy},
		{"lz4", NewLz4Compressor(), core.CompressionLZ4},
		{"zstd", NewZstdCompressor(), core.CompressionZSTD},
	}

	payloads := []struct {
		name string
		data []byte
	}{
		{"tick delta", []byte(`{"moved":[{"id":12,"x":40,"y":7}],"hp":{"12":88}}`)},
		{"repetitive state", bytes.Repeat([]byte("unit:idle;"), 512)},
		{"empty", []byte{}},
		{"binary-ish", []byte{0x00, 0xff, 0x10, 0x80, 0x7f, 0x01, 0x02, 0x03, 0xfe}},
	}

	for _, c := range compressors {
		t.Run(c.name, func(t *testing.T) {
			if c.compressor.Type() != c.wantType {
				t.Errorf("Type() got = %v, want %v", c.compressor.Type(), c.wantType)
			}
			for _, p := range payloads {
				t.Run(p.name, func(t *testing.T) {
					roundtrip(t, c.compressor, p.data)
				})
			}
		})
	}
}

func TestLZ4DecompressGrowsBuffer(t *testing.T) {
	compressor := NewLz4Compressor()
	// Highly compressible data forces the decode buffer to grow well past
	// the initial 3x guess.
	data := bytes.Repeat([]byte("x"), 256*1024)

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress() returned an unexpected error: %v", err)
	}

	reader, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() returned an unexpected error: %v", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Failed to read decompressed data: %v", err)
	}
	if !bytes.Equal(data, decompressed) {
		t.Errorf("Decompressed data does not match original after buffer growth")
	}
}

func BenchmarkSnappyCompress(b *testing.B) {
	compressor := NewSnappyCompressor()
	data := bytes.Repeat([]byte(`{"tick":1200,"moved":[{"id":12,"x":40,"y":7}]}`), 50)

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := compressor.Compress(data)
		if err != nil {
			b.Fatalf("Compress() error: %v", err)
		}
	}
}

func BenchmarkZstdCompressTo(b *testing.B) {
	compressor := NewZstdCompressor()
	data := bytes.Repeat([]byte(`{"tick":1200,"moved":[{"id":12,"x":40,"y":7}]}`), 50)

	var buf bytes.Buffer

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := compressor.CompressTo(&buf, data); err != nil {
			b.Fatalf("CompressTo() error: %v", err)
		}
	}
}
