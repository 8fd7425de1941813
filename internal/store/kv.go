// Package store persists revlogs and repository settings in a bbolt database.
package store

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Buckets
var (
	BucketRevlogs = []byte("revlogs") // revlog name -> {index, data}
	BucketConfig  = []byte("config")  // repository requirements and settings

	bucketIndex = []byte("index")
	bucketData  = []byte("data")
)

var ErrNotFound = errors.New("store: key not found")

type DB struct{ *bbolt.DB }

func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// Ensure buckets exist
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(BucketRevlogs); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(BucketConfig); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &DB{db}, nil
}

func (db *DB) Close() error { return db.DB.Close() }

func revKey(rev uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], rev)
	return k[:]
}

func revlogBucket(tx *bbolt.Tx, name string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(BucketRevlogs)
	if !create {
		return root.Bucket([]byte(name)), nil
	}
	b, err := root.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(bucketIndex); err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(bucketData); err != nil {
		return nil, err
	}
	return b, nil
}

// AppendRevision stores the index record and data chunk of rev.
func (db *DB) AppendRevision(name string, rev uint32, index, chunk []byte) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := revlogBucket(tx, name, true)
		if err != nil {
			return err
		}
		if err := b.Bucket(bucketIndex).Put(revKey(rev), index); err != nil {
			return err
		}
		return b.Bucket(bucketData).Put(revKey(rev), chunk)
	})
	return errors.Wrapf(err, "append %s revision %d", name, rev)
}

// Revisions calls fn with every index record of name in revision order.
func (db *DB) Revisions(name string, fn func(rev uint32, index []byte) error) error {
	err := db.View(func(tx *bbolt.Tx) error {
		b, err := revlogBucket(tx, name, false)
		if err != nil || b == nil {
			return err
		}
		return b.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			return fn(binary.BigEndian.Uint32(k), v)
		})
	})
	return errors.Wrapf(err, "read %s index", name)
}

// Chunk returns a copy of the data chunk of rev.
func (db *DB) Chunk(name string, rev uint32) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bbolt.Tx) error {
		b, err := revlogBucket(tx, name, false)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrNotFound
		}
		v := b.Bucket(bucketData).Get(revKey(rev))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s chunk %d", name, rev)
	}
	return out, nil
}

// TruncateRevlog drops revisions from onward.
func (db *DB) TruncateRevlog(name string, from uint32) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := revlogBucket(tx, name, false)
		if err != nil || b == nil {
			return err
		}
		for _, sub := range [][]byte{bucketIndex, bucketData} {
			bucket := b.Bucket(sub)
			var keys [][]byte
			c := bucket.Cursor()
			for k, _ := c.Seek(revKey(from)); k != nil; k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return errors.Wrapf(err, "truncate %s at %d", name, from)
}

// RevlogNames lists stored revlogs.
func (db *DB) RevlogNames() ([]string, error) {
	var names []string
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketRevlogs).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// PutConfig stores a configuration key-value pair.
func (db *DB) PutConfig(key, value string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketConfig).Put([]byte(key), []byte(value))
	})
}

// GetConfig retrieves a configuration value by key.
func (db *DB) GetConfig(key string) (string, error) {
	var value string
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketConfig).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}
