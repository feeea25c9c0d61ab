// Package store implements the durable half of the timeline archive: a
// bbolt-backed key-value store holding tick records and checkpoints in two
// tick-ordered buckets. Persistence is strictly optional; a store that
// cannot open degrades to "unavailable" and every operation becomes a no-op,
// so the archive above it keeps working memory-only.
package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusreplay/compressors"
	"github.com/INLOpen/nexusreplay/core"
	bbolt "go.etcd.io/bbolt"
)

var (
	bucketTickRecords = []byte("tick_records")
	bucketCheckpoints = []byte("checkpoints")
	bucketMeta        = []byte("meta")

	metaKeyFormatVersion = []byte("format_version")
)

// Interface is the store surface the archive depends on. Tests substitute
// fault-injecting fakes for the bbolt implementation.
type Interface interface {
	Available() bool
	PutTickRecord(ctx context.Context, rec *core.TickRecord) error
	GetTickRecord(ctx context.Context, tick uint64) (*core.TickRecord, bool, error)
	GetTickRecordRange(ctx context.Context, from, to uint64) ([]*core.TickRecord, error)
	DeleteTickRecordsAfter(ctx context.Context, tick uint64) error
	PutCheckpoint(ctx context.Context, cp *core.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error)
	GetCheckpointAtOrBefore(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error)
	DeleteCheckpointsAfter(ctx context.Context, tick uint64) error
	Close() error
}

// Options configures a Store.
type Options struct {
	// DataDir is the directory holding the database file. Empty disables
	// persistence; the store opens unavailable.
	DataDir string
	// Compressor encodes record values on write. Reads are self-describing
	// and do not consult it. Defaults to no compression when nil.
	Compressor core.Compressor
	Logger     *slog.Logger
}

// Store is the bbolt-backed implementation of Interface.
type Store struct {
	db         *bbolt.DB
	available  bool
	compressor core.Compressor
	logger     *slog.Logger
}

var _ Interface = (*Store)(nil)

// Open opens the store. It never fails the caller: a missing or unusable
// data directory, a locked database file, or an incompatible stored format
// all leave the store unavailable with a logged warning, because persistence
// is an optimization over the cache, not a dependency.
func Open(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	logger = logger.With("component", "Store")

	s := &Store{
		compressor: opts.Compressor,
		logger:     logger,
	}
	if s.compressor == nil {
		s.compressor = &compressors.NoCompressionCompressor{}
	}

	if opts.DataDir == "" {
		logger.Info("No data directory configured, persistence disabled")
		return s
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		logger.Warn("Failed to create data directory, store unavailable", "dir", opts.DataDir, "error", err)
		return s
	}

	path := filepath.Join(filepath.Clean(opts.DataDir), core.StoreFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		logger.Warn("Failed to open database, store unavailable", "path", path, "error", err)
		return s
	}

	if err := ensureBuckets(db); err != nil {
		logger.Warn("Failed to prepare buckets, store unavailable", "path", path, "error", err)
		_ = db.Close()
		return s
	}

	ok, err := checkFormatVersion(db)
	if err != nil {
		logger.Warn("Failed to read format version, store unavailable", "path", path, "error", err)
		_ = db.Close()
		return s
	}
	if !ok {
		logger.Error("Stored data has an incompatible format version, store unavailable",
			"path", path, "supported", core.FormatVersion)
		_ = db.Close()
		return s
	}

	s.db = db
	s.available = true
	logger.Info("Store opened", "path", path, "compression", s.compressor.Type().String())
	return s
}

func ensureBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTickRecords, bucketCheckpoints, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkFormatVersion validates the persisted format tag, stamping it on a
// fresh database. It reports false when the stored data was written by an
// incompatible version.
func checkFormatVersion(db *bbolt.DB) (bool, error) {
	compatible := true
	err := db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		stored := meta.Get(metaKeyFormatVersion)
		if stored == nil {
			return meta.Put(metaKeyFormatVersion, []byte{core.FormatVersion})
		}
		if len(stored) != 1 || stored[0] != core.FormatVersion {
			compatible = false
		}
		return nil
	})
	return compatible, err
}

// Available reports whether the durable layer is usable. It is fixed at
// Open; later I/O failures surface as StoreIOError without flipping it.
func (s *Store) Available() bool {
	return s.available && s.db != nil
}

// Close closes the underlying database. The store becomes unavailable.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	s.available = false
	return db.Close()
}
