// Package boltkv is a storage.Database backed by BoltDB, the persistent
// engine named in spec §6 as one of the two reference backends. Layout and
// lifecycle follow beacon-chain/db/kv's Store closely: a single data file
// under a configured directory, opened with a lock timeout, with a
// read-through cache in front of hot Get calls.
package boltkv

import (
	"os"
	"path"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/ironforge-chain/ironforge/storage"
)

var log = logrus.WithField("prefix", "boltkv")

const databaseFileName = "ironforge.db"

var rootBucket = []byte("kv")

// cacheCost bounds the read-through value cache at roughly 16MB, enough to
// keep recently committed blocks and configs resident without needing a
// service-specific cache policy.
const cacheCost = 1 << 24

// Database is a BoltDB-backed storage.Database. All keys live in a single
// bucket; the spec's byte-prefix namespace (§6) is encoded directly into
// key bytes by callers, so no further bucket nesting is needed here.
type Database struct {
	db           *bbolt.DB
	databasePath string
	cache        *ristretto.Cache
}

// Open creates (if absent) and opens the database file under dirPath.
func Open(dirPath string) (*Database, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	datafile := path.Join(dirPath, databaseFileName)
	db, err := bbolt.Open(datafile, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, errors.New("boltkv: database is locked by another process")
		}
		return nil, errors.Wrap(err, "open bolt database")
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100000,
		MaxCost:     cacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create read-through cache")
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "create root bucket")
	}

	return &Database{db: db, databasePath: dirPath, cache: cache}, nil
}

// DatabasePath returns the directory this database writes into.
func (d *Database) DatabasePath() string { return d.databasePath }

// Snapshot opens a BoltDB read transaction and wraps it as a storage.Snapshot.
// The transaction stays open until the Snapshot is released by the caller
// via Release, matching BoltDB's MVCC model: writers never block readers
// holding an already-open transaction.
func (d *Database) Snapshot() storage.Snapshot {
	tx, err := d.db.Begin(false)
	if err != nil {
		// Storage failures are fatal; returning a snapshot that halts the
		// process on its first read keeps the interface simple while
		// surfacing the failure on first use.
		return &errSnapshot{err: errors.Wrap(err, "begin read transaction")}
	}
	return &snapshot{tx: tx, cache: d.cache}
}

// Merge atomically applies patch in one BoltDB write transaction.
func (d *Database) Merge(patch storage.Patch) error {
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		for k, op := range patch {
			key := []byte(k)
			if op.Delete {
				if err := b.Delete(key); err != nil {
					return err
				}
				d.cache.Del(key)
				continue
			}
			if err := b.Put(key, op.Value); err != nil {
				return err
			}
			d.cache.Set(key, op.Value, int64(len(op.Value)))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "merge patch")
	}
	return nil
}

// Close closes the underlying BoltDB file.
func (d *Database) Close() error {
	return d.db.Close()
}

type snapshot struct {
	tx    *bbolt.Tx
	cache *ristretto.Cache
}

func (s *snapshot) Get(key []byte) ([]byte, bool) {
	if v, ok := s.cache.Get(key); ok {
		return v.([]byte), true
	}
	v := s.tx.Bucket(rootBucket).Get(key)
	if v == nil {
		return nil, false
	}
	cp := append([]byte(nil), v...)
	s.cache.Set(key, cp, int64(len(cp)))
	return cp, true
}

func (s *snapshot) Contains(key []byte) bool {
	return s.tx.Bucket(rootBucket).Get(key) != nil
}

// Release rolls back the underlying BoltDB read transaction. BoltDB commits
// read transactions never; every Snapshot must be released or its
// transaction pins the database's freelist until process exit.
func (s *snapshot) Release() {
	if err := s.tx.Rollback(); err != nil {
		log.WithError(err).Warn("failed to release snapshot read transaction")
	}
}

func (s *snapshot) Iter(prefix, from []byte) storage.Iterator {
	c := s.tx.Bucket(rootBucket).Cursor()
	start := prefix
	if from != nil && len(from) > 0 {
		start = from
	}
	k, v := c.Seek(start)
	return &iterator{c: c, prefix: prefix, k: k, v: v}
}

type iterator struct {
	c      *bbolt.Cursor
	prefix []byte
	k, v   []byte
}

func (it *iterator) Valid() bool {
	return it.k != nil && hasPrefix(it.k, it.prefix)
}

func (it *iterator) Next() {
	it.k, it.v = it.c.Next()
}

func (it *iterator) Key() []byte   { return it.k }
func (it *iterator) Value() []byte { return it.v }

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// errSnapshot is returned when the backing read transaction could not be
// opened; every read logs the same wrapped error at Fatal level, halting
// the process instead of silently reading empty data.
type errSnapshot struct{ err error }

func (e *errSnapshot) Get(key []byte) ([]byte, bool) { e.halt(); return nil, false }
func (e *errSnapshot) Contains(key []byte) bool      { e.halt(); return false }
func (e *errSnapshot) Iter(prefix, from []byte) storage.Iterator {
	e.halt()
	return &iterator{}
}
func (e *errSnapshot) Release() {}

func (e *errSnapshot) halt() {
	log.WithError(e.err).Fatal("storage snapshot unavailable, halting")
}

// Err reports the failure that prevented opening the underlying read
// transaction, if s was produced in that failure state.
func Err(s storage.Snapshot) error {
	if es, ok := s.(*errSnapshot); ok {
		return es.err
	}
	return nil
}
