package pg

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/agentoshq/agentos/pkg/journal"
)

// openTestSQLite opens a throwaway in-memory sqlite database through the
// modernc.org/sqlite pure-Go driver, exercising Mirror's DialectSQLite
// placeholder style against a real database/sql driver rather than a
// mock, since MirroringJournal's round-trip through ReadRange depends on
// real query semantics (ON CONFLICT, ORDER BY) that a mock can't verify.
func openTestSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMirroringJournalMirrorsEveryAppend(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	mirror := NewWithDialect(db, DialectSQLite)
	require.NoError(t, mirror.Init(ctx))

	primary := journal.NewMemJournal()
	var mirrorErrs []error
	mj := NewMirroringJournal(primary, mirror, func(err error) { mirrorErrs = append(mirrorErrs, err) })

	seq0, err := mj.Append(ctx, journal.KindDomainEvent, []byte("e0"))
	require.NoError(t, err)
	seq1, err := mj.Append(ctx, journal.KindEffectIntent, []byte("e1"))
	require.NoError(t, err)
	require.Empty(t, mirrorErrs)

	mirrored, err := mirror.ReadRange(ctx, seq0, seq1+1)
	require.NoError(t, err)
	require.Len(t, mirrored, 2)
	require.Equal(t, journal.KindDomainEvent, mirrored[0].Kind)
	require.Equal(t, []byte("e0"), mirrored[0].Payload)
	require.Equal(t, journal.KindEffectIntent, mirrored[1].Kind)
	require.Equal(t, []byte("e1"), mirrored[1].Payload)

	primaryEntries, err := mj.ReadRange(ctx, seq0, seq1+1)
	require.NoError(t, err)
	require.Equal(t, primaryEntries, mirrored)
}

func TestMirroringJournalSwallowsMirrorErrorsByDefault(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	mirror := NewWithDialect(db, DialectSQLite)
	// Intentionally skip mirror.Init: the mirror table doesn't exist, so
	// every mirror Append fails. The primary Append must still succeed.
	primary := journal.NewMemJournal()
	mj := NewMirroringJournal(primary, mirror, nil)

	seq, err := mj.Append(ctx, journal.KindDomainEvent, []byte("e0"))
	require.NoError(t, err)

	entries, err := primary.ReadRange(ctx, seq, seq+1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
