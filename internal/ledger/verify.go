package ledger

import (
	"fmt"

	"pollci/internal/security"
)

// VerifyChain recomputes each block hash, checks links, index continuity and
// signatures. The first retained block may point at a pruned predecessor.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}

		if i > 0 {
			prev := l.blocks[i-1]
			if b.PrevHash != prev.Hash {
				return fmt.Errorf("prev hash mismatch at index %d", b.Index)
			}
			if b.Index != prev.Index+1 {
				return fmt.Errorf("index mismatch: expected %d got %d", prev.Index+1, b.Index)
			}
		}

		ok, err := security.VerifyHex(b.PubKey, []byte(b.Hash), b.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", b.Index, err)
		}
		if !ok {
			return fmt.Errorf("bad signature at index %d", b.Index)
		}
	}
	return nil
}
