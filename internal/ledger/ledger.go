// Package ledger persists build history as a signed, hash-chained JSONL file.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pollci/internal/history"
	"pollci/internal/security"
)

// Ledger is an append-only chain of run blocks. Pruning drops the oldest
// blocks; the first retained block keeps its original PrevHash as anchor.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
	keys   security.KeyPair
	now    func() time.Time
}

var _ history.Store = (*Ledger)(nil)

// Open loads the ledger at path, creating an empty file when missing.
// keys may be zero for read-only use; Append then fails.
func Open(path string, keys security.KeyPair) (*Ledger, error) {
	l := &Ledger{path: path, keys: keys, now: time.Now}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// Blocks returns a copy of the retained blocks, oldest first.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// Load returns the run entries of all retained blocks, oldest first.
func (l *Ledger) Load() ([]history.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]history.Entry, len(l.blocks))
	for i, b := range l.blocks {
		entries[i] = b.Run
	}
	return entries, nil
}

// Append chains, signs and persists a block for run.
func (l *Ledger) Append(run history.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.keys.Private) == 0 {
		return errors.New("ledger: private key is empty, cannot sign block")
	}

	index, prev := 0, ""
	if n := len(l.blocks); n > 0 {
		index = l.blocks[n-1].Index + 1
		prev = l.blocks[n-1].Hash
	}
	blk, err := NewBlock(index, run, prev, l.now())
	if err != nil {
		return err
	}
	blk.Signature = l.keys.Sign([]byte(blk.Hash))
	blk.PubKey = l.keys.PublicHex()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(blk); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	l.blocks = append(l.blocks, blk)
	return nil
}

// Prune keeps the newest keep blocks and rewrites the file atomically.
func (l *Ledger) Prune(keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if keep < 0 || len(l.blocks) <= keep {
		return nil
	}
	retained := l.blocks[len(l.blocks)-keep:]

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for _, b := range retained {
		if err := enc.Encode(b); err != nil {
			tmp.Close()
			return fmt.Errorf("rewrite ledger: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	l.blocks = append([]*Block(nil), retained...)
	return nil
}
