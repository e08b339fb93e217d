package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/agentoshq/agentos/pkg/canon"
)

// FileJournal is a crash-safe, append-only journal backed by a single
// file of length-prefixed canonical-CBOR records. On open it recovers to
// the largest prefix of fully-written entries, discarding any partial
// tail record left by a crash mid-write.
type FileJournal struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	entries []Entry // in-memory index for fast ReadRange/NextSeq
}

type fileRecord struct {
	Seq            uint64     `cbor:"seq"`
	Kind           Kind       `cbor:"kind"`
	Payload        []byte     `cbor:"payload"`
	PrevHash       canon.Hash `cbor:"prev_hash"`
	CumulativeHash canon.Hash `cbor:"cumulative_hash"`
}

// OpenFileJournal opens (creating if necessary) a journal file at path,
// recovering any entries already present.
func OpenFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	entries, validLen, err := recoverEntries(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	// Discard any torn tail bytes beyond the last fully-written record.
	if err := f.Truncate(validLen); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &FileJournal{path: path, f: f, entries: entries}, nil
}

func recoverEntries(f *os.File) ([]Entry, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	r := bufio.NewReader(f)

	var entries []Entry
	var validLen int64

	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			break // EOF or a torn 4-byte length prefix: stop here
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			break // torn payload: stop here, do not advance validLen
		}

		var rec fileRecord
		if err := canon.Decode(buf, &rec); err != nil {
			break // corrupt record: treat as torn tail
		}
		entries = append(entries, Entry{
			Seq: rec.Seq, Kind: rec.Kind, Payload: rec.Payload,
			PrevHash: rec.PrevHash, CumulativeHash: rec.CumulativeHash,
		})
		validLen += int64(4 + len(buf))
	}
	return entries, validLen, nil
}

// Append writes a length-prefixed canonical-CBOR record and fsyncs before
// returning, so a successful Append is durable even across a crash.
func (j *FileJournal) Append(ctx context.Context, kind Kind, payload []byte) (uint64, error) {
	if err := validateKind(kind); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries))
	var prev canon.Hash
	if seq > 0 {
		prev = j.entries[seq-1].CumulativeHash
	}
	cum := computeCumulativeHash(prev, kind, payload)

	rec := fileRecord{Seq: seq, Kind: kind, Payload: payload, PrevHash: prev, CumulativeHash: cum}
	buf, err := canon.Encode(rec)
	if err != nil {
		return 0, fmt.Errorf("journal: encode record: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := j.f.Write(lenPrefix[:]); err != nil {
		return 0, fmt.Errorf("journal: write length prefix: %w", err)
	}
	if _, err := j.f.Write(buf); err != nil {
		return 0, fmt.Errorf("journal: write record: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return 0, fmt.Errorf("journal: fsync: %w", err)
	}

	j.entries = append(j.entries, Entry{
		Seq: seq, Kind: kind, Payload: append([]byte(nil), payload...),
		PrevHash: prev, CumulativeHash: cum,
	})
	return seq, nil
}

func (j *FileJournal) ReadRange(ctx context.Context, from, to uint64) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if from > to || to > uint64(len(j.entries)) {
		return nil, fmt.Errorf("journal: invalid range [%d,%d), len=%d", from, to, len(j.entries))
	}
	out := make([]Entry, to-from)
	copy(out, j.entries[from:to])
	return out, nil
}

func (j *FileJournal) NextSeq(ctx context.Context) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(len(j.entries)), nil
}

// TruncateTo discards all entries with seq >= seq, for snapshot
// compaction. It rewrites the file from the retained prefix.
func (j *FileJournal) TruncateTo(ctx context.Context, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > uint64(len(j.entries)) {
		return fmt.Errorf("journal: cannot truncate to %d, len=%d", seq, len(j.entries))
	}

	kept := j.entries[:seq]
	tmpPath := j.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open compact file: %w", err)
	}
	for _, e := range kept {
		rec := fileRecord{Seq: e.Seq, Kind: e.Kind, Payload: e.Payload, PrevHash: e.PrevHash, CumulativeHash: e.CumulativeHash}
		buf, err := canon.Encode(rec)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
		if _, err := tmp.Write(lenPrefix[:]); err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := tmp.Write(buf); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := j.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.entries = append([]Entry(nil), kept...)
	return nil
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
