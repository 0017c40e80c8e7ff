package logpipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"antcode/internal/domain"
)

var cursorsBucket = []byte("cursors")

const (
	cursorLastSeq = "last_seq"
	cursorAcked   = "acked_seq"
)

// spoolMeta mirrors logs/spool/<run_id>/meta.json: a human-readable
// snapshot of the durable cursors, refreshed on every flush.
type spoolMeta struct {
	RunID     string    `json:"run_id"`
	Stream    string    `json:"stream"`
	LastSeq   uint64    `json:"last_seq"`
	AckedSeq  uint64    `json:"acked_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spool durably buffers log entries not yet acked by transport, backed by
// an embedded bbolt store (logs/spool/<run_id>/spool.db) so a restarted
// Worker can resume from the correct cursor (spec.md §4.3).
type Spool struct {
	runID    string
	stream   domain.LogStream
	dir      string
	db       *bolt.DB
	metaPath string
}

// OpenSpool opens (creating if absent) the spool store for runID/stream.
func OpenSpool(spoolDir, runID string, stream domain.LogStream) (*Spool, error) {
	dir := filepath.Join(spoolDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "spool.db"), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}

	bucketName := []byte(string(stream))
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
			return err
		}
		cursors, err := tx.CreateBucketIfNotExists(cursorsBucket)
		if err != nil {
			return err
		}
		return cursors.CreateBucketIfNotExists([]byte(stream))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spool buckets: %w", err)
	}

	return &Spool{
		runID:    runID,
		stream:   stream,
		dir:      dir,
		db:       db,
		metaPath: filepath.Join(dir, "meta.json"),
	}, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Write buffers one entry durably and advances last_seq.
func (s *Spool) Write(entry domain.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(string(s.stream)))
		if err := b.Put(seqKey(entry.Seq), data); err != nil {
			return err
		}
		return s.setCursor(tx, cursorLastSeq, entry.Seq)
	})
}

func (s *Spool) setCursor(tx *bolt.Tx, name string, value uint64) error {
	cursors := tx.Bucket(cursorsBucket).Bucket([]byte(s.stream))
	return cursors.Put([]byte(name), seqKey(value))
}

func (s *Spool) getCursor(tx *bolt.Tx, name string) uint64 {
	cursors := tx.Bucket(cursorsBucket).Bucket([]byte(s.stream))
	v := cursors.Get([]byte(name))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// LastSeq returns the last_seq cursor (highest seq durably buffered).
func (s *Spool) LastSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = s.getCursor(tx, cursorLastSeq)
		return nil
	})
	return seq, err
}

// AckedSeq returns the acked_seq cursor (highest seq confirmed by
// transport).
func (s *Spool) AckedSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = s.getCursor(tx, cursorAcked)
		return nil
	})
	return seq, err
}

// AdvanceAcked advances the acked_seq cursor and prunes records that are
// now fully acknowledged, then refreshes meta.json.
func (s *Spool) AdvanceAcked(seq uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		current := s.getCursor(tx, cursorAcked)
		if seq <= current {
			return nil
		}
		if err := s.setCursor(tx, cursorAcked, seq); err != nil {
			return err
		}

		b := tx.Bucket([]byte(string(s.stream)))
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > seq {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.writeMeta()
}

// IterUnacked returns records in (acked_seq, last_seq] in order; the
// pipeline uses it to replay after a transport reconnect
// (spec.md §4.3 "recover_from_spool").
func (s *Spool) IterUnacked() ([]domain.LogEntry, error) {
	var entries []domain.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(string(s.stream)))
		return b.ForEach(func(_, v []byte) error {
			var entry domain.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *Spool) writeMeta() error {
	last, err := s.LastSeq()
	if err != nil {
		return err
	}
	acked, err := s.AckedSeq()
	if err != nil {
		return err
	}

	meta := spoolMeta{
		RunID:     s.runID,
		Stream:    string(s.stream),
		LastSeq:   last,
		AckedSeq:  acked,
		UpdatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath, data, 0o644)
}

// Close closes the underlying bbolt store.
func (s *Spool) Close() error {
	return s.db.Close()
}
