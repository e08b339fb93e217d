package journal

import (
	"context"
	"fmt"
	"sync"
)

// ReplayCursor is a Journal that counts appends without persisting them.
// A replay re-runs recorded events through the live kernel code path,
// and that path re-journals everything it did the first time; pointing
// the kernel at a cursor positioned at the snapshot's seq lets each
// replayed append observe the exact seq value the original run recorded,
// which matters because the module call context (and through it every
// derived entropy value and intent hash) is a function of the journal
// height at the time of the call.
type ReplayCursor struct {
	mu   sync.Mutex
	next uint64
}

// NewReplayCursor positions a cursor at startSeq, the seq the next
// append would have received in the original run.
func NewReplayCursor(startSeq uint64) *ReplayCursor {
	return &ReplayCursor{next: startSeq}
}

func (c *ReplayCursor) Append(ctx context.Context, kind Kind, payload []byte) (uint64, error) {
	if err := validateKind(kind); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next
	c.next++
	return seq, nil
}

func (c *ReplayCursor) ReadRange(ctx context.Context, from, to uint64) ([]Entry, error) {
	return nil, fmt.Errorf("journal: replay cursor holds no entries")
}

func (c *ReplayCursor) NextSeq(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, nil
}

func (c *ReplayCursor) TruncateTo(ctx context.Context, seq uint64) error {
	return fmt.Errorf("journal: replay cursor cannot truncate")
}
