// Package sessionstore is a signer node's persistent store: the two
// mpc_keys / mpc_signing_sessions tables, backed by a single-writer SQLite
// connection, with private key material and session secret state sealed at
// rest via internal/sealer.
package sessionstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/solace-custody/musig-signerd/internal/sealer"
)

// Store is one signer node's database handle: its own mpc_keys and
// mpc_signing_sessions tables, physically separate from the other node's
// store even when co-located on one host.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	sealer *sealer.Sealer
}

// Open opens (creating if necessary) the SQLite database at dsn and
// initializes the schema. dsn is the value of MPC_DB_URL, a filesystem path.
func Open(dsn string, atRestKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, sealer: sealer.New(atRestKey)}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: init schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mpc_keys (
		end_user_pubkey TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		public_key TEXT NOT NULL,
		private_key_ciphertext BLOB NOT NULL,
		private_key_salt BLOB NOT NULL,
		private_key_nonce BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (end_user_pubkey, node_id)
	);

	CREATE TABLE IF NOT EXISTS mpc_signing_sessions (
		session_id TEXT PRIMARY KEY,
		end_user_pubkey TEXT NOT NULL,
		secret_state_ciphertext BLOB NOT NULL,
		secret_state_salt BLOB NOT NULL,
		secret_state_nonce BLOB NOT NULL,
		partial_sig TEXT,
		peer_agg_message TEXT,
		intent TEXT NOT NULL,
		blockhash TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mpc_sessions_expires_at ON mpc_signing_sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_mpc_keys_end_user_pubkey ON mpc_keys(end_user_pubkey);
	`
	_, err := s.db.Exec(schema)
	return err
}
