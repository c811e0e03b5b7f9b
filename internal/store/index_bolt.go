package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/brisbynet/brisby/internal/content"
)

// existenceIndex is a BoltDB-backed cache of which chunk hashes are known
// to be on disk, adapted from the teacher's daemon/manager/cas_bolt.go
// (which tracked hash -> last-seen timestamp for its own GC). Here it
// fronts the filesystem blob store required by spec.md §6: a positive hit
// avoids a stat syscall on the hot Put/Has path; a miss always falls back
// to the filesystem, so the index can never cause a false negative.
type existenceIndex struct {
	db *bolt.DB
}

var bucketChunks = []byte("chunks")

func openExistenceIndex(path string) (*existenceIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &existenceIndex{db: db}, nil
}

func (b *existenceIndex) Close() error {
	return b.db.Close()
}

func (b *existenceIndex) Has(hash content.Hash) bool {
	var ok bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return nil
		}
		ok = bk.Get(hash[:]) != nil
		return nil
	})
	return ok
}

func (b *existenceIndex) Mark(hash content.Hash) {
	_ = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return fmt.Errorf("store: chunks bucket missing")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
		return bk.Put(hash[:], buf)
	})
}
