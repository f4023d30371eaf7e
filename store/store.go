package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightninglabs/chainsync/changeset"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultFileName is the name of the bolt file inside the data
	// directory.
	DefaultFileName = "chainsync.db"

	// dbVersion is the version of the record format written by this
	// package.
	dbVersion uint32 = 1
)

var (
	// topBucket holds every other bucket of the store.
	topBucket = []byte("chainsync")

	// metaBucket holds the magic and the format version.
	metaBucket = []byte("meta")

	// logBucket holds the changeset records keyed by their big endian
	// sequence number, so a cursor walks them in commit order.
	logBucket = []byte("changesets")

	magicKey   = []byte("magic")
	versionKey = []byte("version")

	// magic identifies a database created by this package.
	magic = []byte("chainsync")

	// ErrMagicMismatch is returned when the database was not written by
	// this package.
	ErrMagicMismatch = errors.New("database magic mismatch")

	// ErrUnknownVersion is returned when the database was written by a
	// newer format version.
	ErrUnknownVersion = errors.New("unknown database version")

	// ErrNotInitialized is returned when the expected buckets are missing.
	ErrNotInitialized = errors.New("store not initialized")
)

// Store is an append-only log of wallet changesets. Changesets are staged in
// memory and written as a single record on Commit. Loading folds every record
// in commit order.
type Store struct {
	db kvdb.Backend

	mu     sync.Mutex
	staged ChangeSet
}

// Open opens or creates the bolt database at path and wraps it in a Store.
func Open(path string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, timeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", path, err)
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New initializes the buckets of db if needed and checks the magic of an
// existing database.
func New(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		top := tx.ReadWriteBucket(topBucket)
		if top == nil {
			return initBuckets(tx)
		}

		meta := top.NestedReadWriteBucket(metaBucket)
		if meta == nil || top.NestedReadWriteBucket(logBucket) == nil {
			return ErrNotInitialized
		}
		if !bytes.Equal(meta.Get(magicKey), magic) {
			return ErrMagicMismatch
		}

		version := meta.Get(versionKey)
		if len(version) != 4 {
			return ErrNotInitialized
		}
		if v := byteOrder.Uint32(version); v > dbVersion {
			return fmt.Errorf("%w: %d", ErrUnknownVersion, v)
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		staged: emptyChangeSet(),
	}, nil
}

func initBuckets(tx kvdb.RwTx) error {
	top, err := tx.CreateTopLevelBucket(topBucket)
	if err != nil {
		return err
	}
	meta, err := top.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}
	if _, err := top.CreateBucketIfNotExists(logBucket); err != nil {
		return err
	}

	var version [4]byte
	byteOrder.PutUint32(version[:], dbVersion)
	if err := meta.Put(versionKey, version[:]); err != nil {
		return err
	}

	log.Infof("Initialized new changeset store (version %d)", dbVersion)

	return meta.Put(magicKey, magic)
}

func emptyChangeSet() ChangeSet {
	return ChangeSet{
		Chain: localchain.NewChangeSet(),
		Graph: txgraph.NewChangeSet[txgraph.ConfirmationHeightAnchor](),
		Index: make(keychain.ChangeSet[keychain.KeychainKind]),
	}
}

// Stage merges cs into the pending changeset.
func (s *Store) Stage(cs ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged.Append(cs)
}

// HasStaged reports whether a changeset is waiting to be committed.
func (s *Store) HasStaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.staged.IsEmpty()
}

// Commit durably writes the staged changeset as one record. The staged
// changeset is only cleared once the write succeeds, so a failed commit can be
// retried.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged.IsEmpty() {
		return nil
	}

	var b bytes.Buffer
	if err := EncodeChangeSet(&b, &s.staged); err != nil {
		return err
	}

	var seq uint64
	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		records, err := fetchLogBucket(tx)
		if err != nil {
			return err
		}

		seq, err = records.NextSequence()
		if err != nil {
			return err
		}

		var key [8]byte
		byteOrder.PutUint64(key[:], seq)

		return records.Put(key[:], b.Bytes())
	}, func() {})
	if err != nil {
		return fmt.Errorf("unable to commit changeset: %w", err)
	}

	log.Debugf("Committed changeset record %d (%d bytes)", seq, b.Len())

	s.staged = emptyChangeSet()

	return nil
}

func fetchLogBucket(tx kvdb.RwTx) (kvdb.RwBucket, error) {
	top := tx.ReadWriteBucket(topBucket)
	if top == nil {
		return nil, ErrNotInitialized
	}
	records := top.NestedReadWriteBucket(logBucket)
	if records == nil {
		return nil, ErrNotInitialized
	}

	return records, nil
}

// Load returns the aggregate of every committed changeset.
func (s *Store) Load() (*ChangeSet, error) {
	var records []ChangeSet
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		top := tx.ReadBucket(topBucket)
		if top == nil {
			return ErrNotInitialized
		}
		entries := top.NestedReadBucket(logBucket)
		if entries == nil {
			return ErrNotInitialized
		}

		return entries.ForEach(func(k, v []byte) error {
			cs, err := DecodeChangeSet(bytes.NewReader(v))
			if err != nil {
				return fmt.Errorf("record %x: %w", k, err)
			}
			records = append(records, *cs)

			return nil
		})
	}, func() {
		records = []ChangeSet{emptyChangeSet()}
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded %d changeset records", len(records)-1)

	aggregate := changeset.Merge(records...)

	return &aggregate, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
