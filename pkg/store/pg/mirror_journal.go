package pg

import (
	"context"

	"github.com/agentoshq/agentos/pkg/journal"
)

// MirroringJournal wraps a primary journal.Journal and best-effort
// mirrors every successful Append into a Postgres (or sqlite, in tests)
// Mirror, so an external query tool can scan journal history with SQL
// instead of walking the journal file. The primary journal is always the
// source of truth: a mirror write failure is swallowed rather than
// failing the Append; only primary journal/store I/O errors are fatal
// to the cycle.
type MirroringJournal struct {
	primary journal.Journal
	mirror  *Mirror
	onError func(error)
}

// NewMirroringJournal wraps primary so every Append is also mirrored.
// onError, if non-nil, is called with any mirror write error; a nil
// onError silently drops mirror failures.
func NewMirroringJournal(primary journal.Journal, mirror *Mirror, onError func(error)) *MirroringJournal {
	return &MirroringJournal{primary: primary, mirror: mirror, onError: onError}
}

func (j *MirroringJournal) Append(ctx context.Context, kind journal.Kind, payload []byte) (uint64, error) {
	seq, err := j.primary.Append(ctx, kind, payload)
	if err != nil {
		return 0, err
	}
	entries, rerr := j.primary.ReadRange(ctx, seq, seq+1)
	if rerr != nil || len(entries) != 1 {
		return seq, nil
	}
	if merr := j.mirror.Append(ctx, entries[0]); merr != nil && j.onError != nil {
		j.onError(merr)
	}
	return seq, nil
}

func (j *MirroringJournal) ReadRange(ctx context.Context, from, to uint64) ([]journal.Entry, error) {
	return j.primary.ReadRange(ctx, from, to)
}

func (j *MirroringJournal) NextSeq(ctx context.Context) (uint64, error) {
	return j.primary.NextSeq(ctx)
}

func (j *MirroringJournal) TruncateTo(ctx context.Context, seq uint64) error {
	return j.primary.TruncateTo(ctx, seq)
}
