package journal

import (
	"context"
	"fmt"
	"sync"
)

// MemJournal is an in-memory journal, used for tests and ephemeral worlds.
type MemJournal struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

func (j *MemJournal) Append(ctx context.Context, kind Kind, payload []byte) (uint64, error) {
	if err := validateKind(kind); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries))
	var prev [32]byte
	if seq > 0 {
		prev = j.entries[seq-1].CumulativeHash
	}
	cum := computeCumulativeHash(prev, kind, payload)

	entry := Entry{
		Seq:            seq,
		Kind:           kind,
		Payload:        append([]byte(nil), payload...),
		PrevHash:       prev,
		CumulativeHash: cum,
	}
	j.entries = append(j.entries, entry)
	return seq, nil
}

func (j *MemJournal) ReadRange(ctx context.Context, from, to uint64) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if from > to || to > uint64(len(j.entries)) {
		return nil, fmt.Errorf("journal: invalid range [%d,%d), len=%d", from, to, len(j.entries))
	}
	out := make([]Entry, to-from)
	copy(out, j.entries[from:to])
	return out, nil
}

func (j *MemJournal) NextSeq(ctx context.Context) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(len(j.entries)), nil
}

func (j *MemJournal) TruncateTo(ctx context.Context, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > uint64(len(j.entries)) {
		return fmt.Errorf("journal: cannot truncate to %d, len=%d", seq, len(j.entries))
	}
	j.entries = j.entries[:seq]
	return nil
}
