package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Journal {
	t.Helper()
	return map[string]func() Journal{
		"mem": func() Journal { return NewMemJournal() },
		"file": func() Journal {
			dir := t.TempDir()
			j, err := OpenFileJournal(filepath.Join(dir, "journal.log"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = j.Close() })
			return j
		},
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	for name, newJ := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newJ()

			seq0, err := j.Append(ctx, KindDomainEvent, []byte("a"))
			require.NoError(t, err)
			assert.Equal(t, uint64(0), seq0)

			seq1, err := j.Append(ctx, KindEffectIntent, []byte("b"))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), seq1)

			next, err := j.NextSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), next)
		})
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	for name, newJ := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newJ().Append(context.Background(), Kind("bogus"), nil)
			assert.Error(t, err)
		})
	}
}

func TestCumulativeHashChains(t *testing.T) {
	for name, newJ := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newJ()
			_, err := j.Append(ctx, KindDomainEvent, []byte("a"))
			require.NoError(t, err)
			_, err = j.Append(ctx, KindDomainEvent, []byte("b"))
			require.NoError(t, err)

			entries, err := j.ReadRange(ctx, 0, 2)
			require.NoError(t, err)
			assert.True(t, entries[0].PrevHash.IsZero())
			assert.Equal(t, entries[0].CumulativeHash, entries[1].PrevHash)
			assert.NotEqual(t, entries[0].CumulativeHash, entries[1].CumulativeHash)
		})
	}
}

func TestReadRangeBounds(t *testing.T) {
	for name, newJ := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newJ()
			_, err := j.Append(ctx, KindDomainEvent, []byte("a"))
			require.NoError(t, err)

			_, err = j.ReadRange(ctx, 0, 5)
			assert.Error(t, err)

			out, err := j.ReadRange(ctx, 0, 1)
			require.NoError(t, err)
			assert.Len(t, out, 1)
		})
	}
}

func TestTruncateTo(t *testing.T) {
	for name, newJ := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newJ()
			for i := 0; i < 5; i++ {
				_, err := j.Append(ctx, KindDomainEvent, []byte{byte(i)})
				require.NoError(t, err)
			}
			require.NoError(t, j.TruncateTo(ctx, 2))

			next, err := j.NextSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), next)

			_, err = j.ReadRange(ctx, 0, 3)
			assert.Error(t, err)
		})
	}
}

func TestFileJournalRecoversFromTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.log")

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = j.Append(ctx, KindDomainEvent, []byte("first"))
	require.NoError(t, err)
	_, err = j.Append(ctx, KindDomainEvent, []byte("second"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: append 3 garbage bytes that look like the
	// start of a length-prefixed record but are never completed.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x10})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer recovered.Close()

	next, err := recovered.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next, "torn tail record must be discarded on recovery")

	seq2, err := recovered.Append(ctx, KindDomainEvent, []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)
}
