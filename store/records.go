package store

import (
	"bytes"
	"context"

	"github.com/INLOpen/nexusreplay/core"
	bbolt "go.etcd.io/bbolt"
)

// ioError wraps a genuine I/O or corruption failure for the archive's
// storage-error surfacing. Operations on an unavailable store never get here.
func ioError(op string, tick uint64, err error) error {
	return &core.StoreIOError{Op: op, Tick: tick, Err: err}
}

// PutTickRecord upserts a tick record keyed by its tick number.
func (s *Store) PutTickRecord(ctx context.Context, rec *core.TickRecord) error {
	if !s.Available() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := s.encodeTickRecord(rec)
	if err != nil {
		return ioError("put_tick", rec.Tick, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTickRecords).Put(core.EncodeTickKey(rec.Tick), value)
	})
	if err != nil {
		return ioError("put_tick", rec.Tick, err)
	}
	return nil
}

// GetTickRecord is a point lookup; absent records are (nil, false, nil).
func (s *Store) GetTickRecord(ctx context.Context, tick uint64) (*core.TickRecord, bool, error) {
	if !s.Available() {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var rec *core.TickRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketTickRecords).Get(core.EncodeTickKey(tick))
		if value == nil {
			return nil
		}
		decoded, err := decodeTickRecord(value)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return nil, false, ioError("get_tick", tick, err)
	}
	return rec, rec != nil, nil
}

// GetTickRecordRange returns records for ticks in [from, to], ascending.
// The result is empty when from > to.
func (s *Store) GetTickRecordRange(ctx context.Context, from, to uint64) ([]*core.TickRecord, error) {
	if !s.Available() || from > to {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*core.TickRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTickRecords).Cursor()
		endKey := core.EncodeTickKey(to)
		for k, v := c.Seek(core.EncodeTickKey(from)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			rec, err := decodeTickRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, ioError("range_tick", from, err)
	}
	return records, nil
}

// DeleteTickRecordsAfter removes every tick record with tick > cut. Only
// rewrite/truncation uses this.
func (s *Store) DeleteTickRecordsAfter(ctx context.Context, cut uint64) error {
	return s.deleteAfter(ctx, bucketTickRecords, "delete_ticks_after", cut)
}

// PutCheckpoint upserts a checkpoint keyed by its tick number.
func (s *Store) PutCheckpoint(ctx context.Context, cp *core.CheckpointRecord) error {
	if !s.Available() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := s.encodeCheckpoint(cp)
	if err != nil {
		return ioError("put_checkpoint", cp.Tick, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put(core.EncodeTickKey(cp.Tick), value)
	})
	if err != nil {
		return ioError("put_checkpoint", cp.Tick, err)
	}
	return nil
}

// GetCheckpoint is a point lookup; absent records are (nil, false, nil).
func (s *Store) GetCheckpoint(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error) {
	if !s.Available() {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var cp *core.CheckpointRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketCheckpoints).Get(core.EncodeTickKey(tick))
		if value == nil {
			return nil
		}
		decoded, err := decodeCheckpoint(value)
		if err != nil {
			return err
		}
		cp = decoded
		return nil
	})
	if err != nil {
		return nil, false, ioError("get_checkpoint", tick, err)
	}
	return cp, cp != nil, nil
}

// GetCheckpointAtOrBefore returns the checkpoint with the largest tick <=
// the target, or absent when none qualifies.
func (s *Store) GetCheckpointAtOrBefore(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error) {
	if !s.Available() {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var cp *core.CheckpointRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		target := core.EncodeTickKey(tick)
		k, v := c.Seek(target)
		if k == nil {
			// Past the last key, so the last key (if any) is below target.
			k, v = c.Last()
		} else if !bytes.Equal(k, target) {
			k, v = c.Prev()
		}
		if k == nil {
			return nil
		}
		decoded, err := decodeCheckpoint(v)
		if err != nil {
			return err
		}
		cp = decoded
		return nil
	})
	if err != nil {
		return nil, false, ioError("get_checkpoint_at_or_before", tick, err)
	}
	return cp, cp != nil, nil
}

// DeleteCheckpointsAfter removes every checkpoint with tick > cut.
func (s *Store) DeleteCheckpointsAfter(ctx context.Context, cut uint64) error {
	return s.deleteAfter(ctx, bucketCheckpoints, "delete_checkpoints_after", cut)
}

func (s *Store) deleteAfter(ctx context.Context, bucket []byte, op string, cut uint64) error {
	if !s.Available() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()
		cutKey := core.EncodeTickKey(cut)

		var doomed [][]byte
		for k, _ := c.Seek(cutKey); k != nil; k, _ = c.Next() {
			if bytes.Compare(k, cutKey) <= 0 {
				continue
			}
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ioError(op, cut, err)
	}
	return nil
}
