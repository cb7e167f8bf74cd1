// Package journal keeps a bounded audit trail of dispatched requests in a
// bbolt database. Records are CBOR with core deterministic encoding.
//
// A record describes what was asked and how it ended. It never carries a
// key file's contents or a captured secret.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const recordsBucket = "requests"

// Entry is one dispatched request.
type Entry struct {
	Seq       uint64        `cbor:"seq"`
	At        time.Time     `cbor:"at"`
	Command   string        `cbor:"cmd"`
	Name      string        `cbor:"name,omitempty"`
	Code      int           `cbor:"code"`
	Error     string        `cbor:"error,omitempty"`
	SenderUID int           `cbor:"sender_uid"`
	SenderGID int           `cbor:"sender_gid"`
	Duration  time.Duration `cbor:"duration"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// Journal is the on-disk record store.
type Journal struct {
	db   *bolt.DB
	keep int
}

// Open opens or creates the journal at path. Once more than keep records
// exist the oldest are pruned on each write; keep <= 0 disables pruning.
func Open(path string, keep int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, keep: keep}, nil
}

// Appender records each entry through a short-lived Journal. bbolt locks
// the database file while it is open, so a long-running dispatcher that
// held the journal open would lock `pen-locker history` out.
type Appender struct {
	Path string
	Keep int
}

// Record opens the journal, appends e and closes it again.
func (a Appender) Record(e *Entry) error {
	j, err := Open(a.Path, a.Keep)
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Record(e)
}

// Record appends e, assigning its sequence number.
func (j *Journal) Record(e *Entry) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = id

		data, err := encMode.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}

		if j.keep > 0 {
			return prune(b, j.keep)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Command, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := decMode.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})

	return entries, err
}

// Prune deletes the oldest entries until at most keep remain and returns
// how many were deleted.
func (j *Journal) Prune(keep int) (int, error) {
	var removed int
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		before := count(b)
		if err := prune(b, keep); err != nil {
			return err
		}
		removed = before - count(b)
		return nil
	})
	return removed, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = count(tx.Bucket([]byte(recordsBucket)))
		return nil
	})
	return n, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func prune(b *bolt.Bucket, keep int) error {
	excess := count(b) - keep
	if excess <= 0 {
		return nil
	}

	keys := make([][]byte, 0, excess)
	c := b.Cursor()
	for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// count walks the bucket. Stats does not see writes pending in the
// current transaction.
func count(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
