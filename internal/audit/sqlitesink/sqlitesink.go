// Package sqlitesink is the optional durable mirror of the in-memory audit
// ring: every Entry appended to internal/audit's Log can also be written
// here so a restart doesn't lose history the ring itself would have evicted.
// Connection setup uses a single shared connection with WAL and
// busy_timeout: SQLite is single-writer regardless of how many *sql.DB
// handles you open, so everything serializes through one connection rather
// than fighting for locks. Entry payloads are encrypted at rest with
// AES-256-GCM via common/crypto, keyed by LUMINAGUARD_AUDIT_KEY.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/anchapin/luminaguard/common/crypto"
	"github.com/anchapin/luminaguard/internal/audit"
)

// MasterKeyEnv is the environment variable holding the 64-character hex
// AES-256-GCM key used to encrypt entry payloads at rest.
const MasterKeyEnv = "LUMINAGUARD_AUDIT_KEY"

// Sink durably mirrors audit.Entry values to a SQLite database, encrypting
// each entry's JSON payload before it touches disk.
type Sink struct {
	db  *sql.DB
	key []byte
}

// Open creates (or attaches to) a SQLite database at dbPath and prepares it
// to receive entries. key must be exactly crypto.KeySize bytes; use
// LoadKey to read it from MasterKeyEnv.
func Open(dbPath string, key []byte) (*Sink, error) {
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: open database: %w", err)
	}

	// SQLite is single-writer; one shared connection serializes callers
	// through database/sql instead of contending for the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitesink: set pragma %q: %w", p, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq        INTEGER PRIMARY KEY,
			kind       TEXT NOT NULL,
			timestamp  TIMESTAMP NOT NULL,
			vm_id      TEXT,
			ciphertext BLOB NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: create schema: %w", err)
	}

	return &Sink{db: db, key: append([]byte(nil), key...)}, nil
}

// LoadKey reads the 32-byte audit encryption key from MasterKeyEnv.
func LoadKey() ([]byte, error) {
	return crypto.LoadKeyFromEnv(MasterKeyEnv)
}

// LoadKeyFromEnv reads the key from envVar instead of the MasterKeyEnv
// default, so an operator can point the sink at a differently-named secret
// (config.AuditConfig.MasterKeyEnv) without forking this package.
func LoadKeyFromEnv(envVar string) ([]byte, error) {
	return crypto.LoadKeyFromEnv(envVar)
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Write encrypts e's JSON encoding and inserts it. It is the Notifier-style
// side-effecting counterpart to audit.Log.Append — call it alongside Append
// whenever durability is configured; a Write failure is never fatal to the
// caller's audit-append path, since the ring remains the source of truth
// for anything still resident.
func (s *Sink) Write(e audit.Entry) error {
	plaintext, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlitesink: marshal entry: %w", err)
	}
	ciphertext, err := crypto.Encrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("sqlitesink: encrypt entry: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO audit_entries (seq, kind, timestamp, vm_id, ciphertext) VALUES (?, ?, ?, ?, ?)`,
		e.Seq, string(e.Kind), e.Timestamp, e.VMID, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: insert entry: %w", err)
	}
	return nil
}

// Notify implements audit.Sink so a Sink can be registered directly via
// Log.Subscribe. A Write failure is logged, not propagated — the ring
// remains authoritative and a durability hiccup must not affect callers on
// the audit-append path.
func (s *Sink) Notify(_ context.Context, e audit.Entry) {
	if err := s.Write(e); err != nil {
		slog.Error("sqlitesink: write failed", "err", err, "seq", e.Seq)
	}
}

// ForVM decrypts and returns every durably-stored entry for vmID, oldest
// first — used to recover a VM's violation history across a process
// restart, since the in-memory ring does not survive one.
func (s *Sink) ForVM(vmID string) ([]audit.Entry, error) {
	rows, err := s.db.Query(
		`SELECT ciphertext FROM audit_entries WHERE vm_id = ? ORDER BY seq ASC`, vmID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: query entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var ciphertext []byte
		if err := rows.Scan(&ciphertext); err != nil {
			return nil, fmt.Errorf("sqlitesink: scan entry: %w", err)
		}
		plaintext, err := crypto.Decrypt(s.key, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("sqlitesink: decrypt entry: %w", err)
		}
		var e audit.Entry
		if err := json.Unmarshal(plaintext, &e); err != nil {
			return nil, fmt.Errorf("sqlitesink: unmarshal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len returns the total number of entries durably stored.
func (s *Sink) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitesink: count entries: %w", err)
	}
	return n, nil
}
