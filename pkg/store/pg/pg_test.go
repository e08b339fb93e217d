package pg

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/journal"
)

func sampleEntry(t *testing.T, seq uint64) journal.Entry {
	t.Helper()
	var prev, cum canon.Hash
	prev[0] = byte(seq)
	cum[0] = byte(seq + 1)
	return journal.Entry{
		Seq:            seq,
		Kind:           journal.KindDomainEvent,
		Payload:        []byte("payload"),
		PrevHash:       prev,
		CumulativeHash: cum,
	}
}

func TestMirrorInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS journal_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := New(db)
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorAppendIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sampleEntry(t, 1)
	mock.ExpectExec("INSERT INTO journal_entries").
		WithArgs(e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO journal_entries").
		WithArgs(e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String()).
		WillReturnResult(sqlmock.NewResult(1, 0))

	m := New(db)
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, e))
	require.NoError(t, m.Append(ctx, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT seq, kind, payload, prev_hash, cumulative_hash").
		WithArgs(uint64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "kind", "payload", "prev_hash", "cumulative_hash"}))

	m := New(db)
	_, err = m.Get(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorGetRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sampleEntry(t, 7)
	rows := sqlmock.NewRows([]string{"seq", "kind", "payload", "prev_hash", "cumulative_hash"}).
		AddRow(e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String())
	mock.ExpectQuery("SELECT seq, kind, payload, prev_hash, cumulative_hash").
		WithArgs(e.Seq).
		WillReturnRows(rows)

	m := New(db)
	got, err := m.Get(context.Background(), e.Seq)
	require.NoError(t, err)
	require.Equal(t, e, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorReadRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e1, e2 := sampleEntry(t, 1), sampleEntry(t, 2)
	rows := sqlmock.NewRows([]string{"seq", "kind", "payload", "prev_hash", "cumulative_hash"}).
		AddRow(e1.Seq, string(e1.Kind), e1.Payload, e1.PrevHash.String(), e1.CumulativeHash.String()).
		AddRow(e2.Seq, string(e2.Kind), e2.Payload, e2.PrevHash.String(), e2.CumulativeHash.String())
	mock.ExpectQuery("SELECT seq, kind, payload, prev_hash, cumulative_hash").
		WithArgs(uint64(1), uint64(3)).
		WillReturnRows(rows)

	m := New(db)
	got, err := m.ReadRange(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Equal(t, []journal.Entry{e1, e2}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorTail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sampleEntry(t, 9)
	rows := sqlmock.NewRows([]string{"seq", "kind", "payload", "prev_hash", "cumulative_hash"}).
		AddRow(e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String())
	mock.ExpectQuery("SELECT seq, kind, payload, prev_hash, cumulative_hash").
		WithArgs(5).
		WillReturnRows(rows)

	m := New(db)
	got, err := m.Tail(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []journal.Entry{e}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sampleEntry(t, 3)
	mock.ExpectExec(`INSERT INTO journal_entries .* VALUES \(\?, \?, \?, \?, \?\)`).
		WithArgs(e.Seq, string(e.Kind), e.Payload, e.PrevHash.String(), e.CumulativeHash.String()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := NewWithDialect(db, DialectSQLite)
	require.NoError(t, m.Append(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}
