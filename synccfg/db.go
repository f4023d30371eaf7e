package synccfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DBFileName is the name of the wallet database inside the network
	// specific data directory.
	DBFileName = "chainsync.db"

	// BoltBackend is the only supported database backend.
	BoltBackend = "bolt"
)

// DB holds database configuration for the wallet store.
//
//nolint:ll
type DB struct {
	Backend string `long:"backend" description:"The selected database backend." choice:"bolt"`

	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Backend: BoltBackend,
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync: true,
			DBTimeout:      kvdb.DefaultDBTimeout,
		},
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	switch db.Backend {
	case BoltBackend:
		if db.Bolt == nil {
			return fmt.Errorf("bolt config must be set")
		}
		if db.Bolt.DBTimeout <= 0 {
			return fmt.Errorf("db.bolt.dbtimeout must be positive")
		}

	default:
		return fmt.Errorf("unknown backend %q, must be \"%v\"",
			db.Backend, BoltBackend)
	}

	return nil
}

// GetBackend opens the database file inside dbDir, creating both if they
// don't exist yet.
func (db *DB) GetBackend(dbDir string) (kvdb.Backend, error) {
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dbDir, DBFileName)

	return kvdb.Create(
		kvdb.BoltBackendName, dbPath, db.Bolt.NoFreelistSync,
		db.Bolt.DBTimeout, false,
	)
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
