package ledger

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Schema for the block store. The UNIQUE constraints on sequence_number and
// current_hash are what turn a lost-update race into a detectable conflict.
const schema = `
CREATE TABLE IF NOT EXISTS blocks (
    sequence_number INTEGER PRIMARY KEY,
    previous_hash   TEXT NOT NULL,
    current_hash    TEXT NOT NULL UNIQUE,
    event_type      TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    payload         TEXT NOT NULL,
    signature       BLOB,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_entity ON blocks(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_blocks_event ON blocks(event_type);
`

// maxAppendRetries bounds transparent retry on append conflicts.
const maxAppendRetries = 5

// Store is the SQLite-backed hash-chain ledger. Append is the only write
// path; blocks are never updated or deleted.
type Store struct {
	db     *sql.DB
	signer ed25519.PrivateKey
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSigner makes the store Ed25519-sign every block hash.
func WithSigner(key ed25519.PrivateKey) Option {
	return func(s *Store) { s.signer = key }
}

// withClock overrides the append timestamp source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the ledger database at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenReadOnly opens an existing ledger database without any write access.
// Verification tooling uses this so an audit pass can never modify the
// evidence it examines.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Bootstrap inserts the genesis sentinel block if the ledger is empty.
// Calling it on an already-bootstrapped ledger is a no-op.
func (s *Store) Bootstrap(ctx context.Context) error {
	g := GenesisBlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocks (sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.SequenceNumber, g.PreviousHash, g.CurrentHash, g.EventType, g.EntityType, g.EntityID, string(g.Payload), s.sign(g.CurrentHash), g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("bootstrap genesis: %w", err)
	}
	return nil
}

// Append creates the next block in the chain. The payload must be
// serializable to canonical JSON. Lost races for the sequence slot are
// retried with backoff up to maxAppendRetries before ErrConflict surfaces.
func (s *Store) Append(ctx context.Context, eventType, entityType, entityID string, payload interface{}) (*Block, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	canonical, err := CanonicalPayload(raw)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
			}
		}

		block, err := s.appendOnce(ctx, eventType, entityType, entityID, raw, canonical)
		if err == nil {
			return block, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// appendOnce performs one compare-and-append attempt inside a transaction:
// read the chain head, compute the successor, insert. A racing writer that
// committed the same slot first trips the UNIQUE constraint.
func (s *Store) appendOnce(ctx context.Context, eventType, entityType, entityID string, raw, canonical []byte) (*Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastHash string
	err = tx.QueryRowContext(ctx, `
		SELECT sequence_number, current_hash FROM blocks
		ORDER BY sequence_number DESC LIMIT 1`,
	).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Empty ledger: the first append implicitly creates genesis.
		g := GenesisBlock()
		lastSeq, lastHash = g.SequenceNumber, g.CurrentHash
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.SequenceNumber, g.PreviousHash, g.CurrentHash, g.EventType, g.EntityType, g.EntityID, string(g.Payload), s.sign(g.CurrentHash), g.CreatedAt,
		); err != nil {
			return nil, classifyInsertErr(err)
		}
	case err != nil:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	block := &Block{
		SequenceNumber: lastSeq + 1,
		PreviousHash:   lastHash,
		EventType:      eventType,
		EntityType:     entityType,
		EntityID:       entityID,
		Payload:        json.RawMessage(raw),
		CreatedAt:      s.now().UnixNano(),
	}
	block.CurrentHash = ComputeHash(block.SequenceNumber, block.PreviousHash, block.EventType, block.EntityType, block.EntityID, canonical, block.CreatedAt)
	block.Signature = s.sign(block.CurrentHash)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.SequenceNumber, block.PreviousHash, block.CurrentHash, block.EventType, block.EntityType, block.EntityID, string(raw), block.Signature, block.CreatedAt,
	); err != nil {
		return nil, classifyInsertErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyInsertErr(err)
	}
	return block, nil
}

// classifyInsertErr maps a uniqueness violation (lost append race) to
// ErrConflict so the caller can retry.
func classifyInsertErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint || sqliteErr.Code == sqlite3.ErrBusy {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return fmt.Errorf("insert block: %w", err)
}

func (s *Store) sign(currentHash string) []byte {
	if s.signer == nil {
		return nil
	}
	return ed25519.Sign(s.signer, []byte(currentHash))
}

// LatestBlock returns the chain head, or ErrNotFound on an empty ledger.
func (s *Store) LatestBlock(ctx context.Context) (*Block, error) {
	return s.queryBlock(ctx, `
		SELECT sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at
		FROM blocks ORDER BY sequence_number DESC LIMIT 1`)
}

// BlockBySequence returns the block at the given sequence number.
func (s *Store) BlockBySequence(ctx context.Context, seq int64) (*Block, error) {
	return s.queryBlock(ctx, `
		SELECT sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at
		FROM blocks WHERE sequence_number = ?`, seq)
}

// Blocks streams blocks in ascending sequence order starting at fromSeq.
// limit <= 0 means no limit.
func (s *Store) Blocks(ctx context.Context, fromSeq int64, limit int64) ([]Block, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at
		FROM blocks WHERE sequence_number >= ?
		ORDER BY sequence_number ASC LIMIT ?`, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// BlocksByEntity returns the audit trail for one entity in chain order.
func (s *Store) BlocksByEntity(ctx context.Context, entityType, entityID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, previous_hash, current_hash, event_type, entity_type, entity_id, payload, signature, created_at
		FROM blocks WHERE entity_type = ? AND entity_id = ?
		ORDER BY sequence_number ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query blocks by entity: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// Summarize reports chain statistics.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	var sum Summary
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&sum.TotalBlocks); err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	sum.Initialized = sum.TotalBlocks > 0
	if sum.Initialized {
		head, err := s.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		sum.LatestHash = head.CurrentHash
		sum.LatestSeq = head.SequenceNumber
	}
	return &sum, nil
}

func (s *Store) queryBlock(ctx context.Context, query string, args ...interface{}) (*Block, error) {
	var b Block
	var payload string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&b.SequenceNumber, &b.PreviousHash, &b.CurrentHash, &b.EventType, &b.EntityType, &b.EntityID, &payload, &b.Signature, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	b.Payload = json.RawMessage(payload)
	return &b, nil
}

func scanBlocks(rows *sql.Rows) ([]Block, error) {
	var blocks []Block
	for rows.Next() {
		var b Block
		var payload string
		if err := rows.Scan(&b.SequenceNumber, &b.PreviousHash, &b.CurrentHash, &b.EventType, &b.EntityType, &b.EntityID, &payload, &b.Signature, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Payload = json.RawMessage(payload)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}
