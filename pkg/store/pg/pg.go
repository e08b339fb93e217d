// Package pg optionally mirrors journal entries into Postgres for
// query-only replay auditing -- the file journal (pkg/journal) stays
// the source of truth; this is a secondary index a query tool can scan
// with SQL instead of walking the journal file. Plain database/sql, no ORM;
// ON CONFLICT DO NOTHING keeps replays of the same seq idempotent.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/journal"
)

// ErrNotFound is returned when a requested seq has no mirrored entry.
var ErrNotFound = errors.New("pg: not found")

// Dialect selects the placeholder style of the backing driver: lib/pq
// (Postgres, "$1") in production, or modernc.org/sqlite ("?") in tests
// that exercise this package's database/sql code path without a live
// Postgres server.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Mirror is a query-only, best-effort duplicate of the journal's entry
// stream, keyed by seq. It is never consulted for recovery: pkg/journal
// remains authoritative.
type Mirror struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an already-open *sql.DB (Postgres via lib/pq by default).
func New(db *sql.DB) *Mirror {
	return &Mirror{db: db, dialect: DialectPostgres}
}

// Open opens a Postgres connection via lib/pq and wraps it as a Mirror.
// The caller owns the returned *sql.DB's lifecycle (Close).
func Open(dsn string) (*Mirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	return New(db), nil
}

// NewWithDialect is New plus an explicit Dialect, for the sqlite test
// harness.
func NewWithDialect(db *sql.DB, d Dialect) *Mirror {
	return &Mirror{db: db, dialect: d}
}

// ph renders the nth ($1-based) placeholder for the configured dialect.
func (m *Mirror) ph(n int) string {
	if m.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// Init creates the mirror table if it does not already exist. Safe to
// call on every daemon startup.
func (m *Mirror) Init(ctx context.Context) error {
	payloadType := "BYTEA"
	if m.dialect == DialectSQLite {
		payloadType = "BLOB"
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			seq             BIGINT PRIMARY KEY,
			kind            TEXT NOT NULL,
			payload         %s NOT NULL,
			prev_hash       TEXT NOT NULL,
			cumulative_hash TEXT NOT NULL
		)
	`, payloadType))
	if err != nil {
		return fmt.Errorf("pg: init journal_entries: %w", err)
	}
	return nil
}

// Append mirrors one already-durable journal entry. Idempotent: mirroring
// the same seq twice (e.g. after a crash-restart re-walks the journal
// tail) is a no-op the second time.
func (m *Mirror) Append(ctx context.Context, e journal.Entry) error {
	q := fmt.Sprintf(`
		INSERT INTO journal_entries (seq, kind, payload, prev_hash, cumulative_hash)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (seq) DO NOTHING
	`, m.ph(1), m.ph(2), m.ph(3), m.ph(4), m.ph(5))
	_, err := m.db.ExecContext(ctx, q, e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String())
	if err != nil {
		return fmt.Errorf("pg: mirror seq %d: %w", e.Seq, err)
	}
	return nil
}

// Get returns the mirrored entry for one seq.
func (m *Mirror) Get(ctx context.Context, seq uint64) (journal.Entry, error) {
	q := fmt.Sprintf(`
		SELECT seq, kind, payload, prev_hash, cumulative_hash
		FROM journal_entries WHERE seq = %s
	`, m.ph(1))
	row := m.db.QueryRowContext(ctx, q, seq)
	return scanEntry(row)
}

// ReadRange returns mirrored entries with seq in [from, to), ordered by
// seq ascending -- the same half-open contract as pkg/journal.ReadRange,
// so a query tool can use either transparently.
func (m *Mirror) ReadRange(ctx context.Context, from, to uint64) ([]journal.Entry, error) {
	q := fmt.Sprintf(`
		SELECT seq, kind, payload, prev_hash, cumulative_hash
		FROM journal_entries
		WHERE seq >= %s AND seq < %s
		ORDER BY seq ASC
	`, m.ph(1), m.ph(2))
	rows, err := m.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("pg: read range [%d,%d): %w", from, to, err)
	}
	defer func() { _ = rows.Close() }()

	var out []journal.Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tail returns the most recently mirrored entries, newest first, up to
// limit. The control channel's journal-tail command reads the primary
// journal, not this mirror.
func (m *Mirror) Tail(ctx context.Context, limit int) ([]journal.Entry, error) {
	q := fmt.Sprintf(`
		SELECT seq, kind, payload, prev_hash, cumulative_hash
		FROM journal_entries
		ORDER BY seq DESC
		LIMIT %s
	`, m.ph(1))
	rows, err := m.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: tail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []journal.Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (journal.Entry, error) {
	e, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, ErrNotFound
	}
	return e, err
}

func scanEntryRows(rows *sql.Rows) (journal.Entry, error) {
	return scanRow(rows)
}

func scanRow(s rowScanner) (journal.Entry, error) {
	var (
		seq                        uint64
		kind                       string
		payload                    []byte
		prevHashHex, cumHashHex    string
	)
	if err := s.Scan(&seq, &kind, &payload, &prevHashHex, &cumHashHex); err != nil {
		return journal.Entry{}, err
	}
	prevHash, err := canon.ParseHash(prevHashHex)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("pg: decode prev_hash: %w", err)
	}
	cumHash, err := canon.ParseHash(cumHashHex)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("pg: decode cumulative_hash: %w", err)
	}
	return journal.Entry{
		Seq: seq, Kind: journal.Kind(kind), Payload: payload,
		PrevHash: prevHash, CumulativeHash: cumHash,
	}, nil
}
