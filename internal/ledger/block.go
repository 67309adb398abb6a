package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"pollci/internal/history"
	"pollci/pkg/utils"
)

// Block is a tamper-evident record of one finished run.
type Block struct {
	Index     int           `json:"index"`
	Timestamp string        `json:"timestamp"`
	Run       history.Entry `json:"run"`
	PrevHash  string        `json:"prevHash"`
	Hash      string        `json:"hash"`
	Signature string        `json:"signature"`
	PubKey    string        `json:"pubKey"`
}

// canonicalData returns the bytes the block hash covers. Hash, Signature and
// PubKey are excluded.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index     int           `json:"index"`
		Timestamp string        `json:"timestamp"`
		Run       history.Entry `json:"run"`
		PrevHash  string        `json:"prevHash"`
	}{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		Run:       b.Run,
		PrevHash:  b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash returns the SHA-256 of the canonical block data.
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

// NewBlock builds an unsigned block for run, chained to prevHash.
func NewBlock(index int, run history.Entry, prevHash string, now time.Time) (*Block, error) {
	blk := &Block{
		Index:     index,
		Timestamp: now.UTC().Format(time.RFC3339),
		Run:       run,
		PrevHash:  prevHash,
	}
	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
