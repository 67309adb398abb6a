package ledger_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pollci/internal/history"
	"pollci/internal/ledger"
	"pollci/internal/security"
)

func openTemp(t *testing.T) (*ledger.Ledger, string, security.KeyPair) {
	t.Helper()
	keys, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path, keys)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return l, path, keys
}

func run(n int) history.Entry {
	return history.Entry{RunID: fmt.Sprintf("run-%d", n), Number: n, Pipeline: "lint", Status: "success"}
}

func TestNewBlockAndHash(t *testing.T) {
	blk, err := ledger.NewBlock(0, run(1), "", time.Now())
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	h, err := blk.ComputeHash()
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if h != blk.Hash {
		t.Errorf("hash mismatch: got %s, want %s", blk.Hash, h)
	}
}

func TestAppendAndVerify(t *testing.T) {
	l, _, _ := openTemp(t)
	for i := 1; i <= 3; i++ {
		if err := l.Append(run(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := l.VerifyChain(); err != nil {
		t.Errorf("verify: %v", err)
	}
	blocks := l.Blocks()
	if blocks[2].PrevHash != blocks[1].Hash {
		t.Error("blocks not chained")
	}
}

func TestAppendWithoutKeyFails(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"), security.KeyPair{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Append(run(1)); err == nil {
		t.Error("expected error appending without a private key")
	}
}

func TestTamperingDetected(t *testing.T) {
	l, path, keys := openTemp(t)
	if err := l.Append(run(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(`"status":"success"`), []byte(`"status":"failed"`), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper target not found in ledger file")
	}
	if err := os.WriteFile(path, tampered, 0644); err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.Open(path, keys)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.VerifyChain(); err == nil {
		t.Error("expected tampering detection, but chain verified")
	}
}

func TestPersistence(t *testing.T) {
	l, path, keys := openTemp(t)
	_ = l.Append(run(1))
	_ = l.Append(run(2))

	reopened, err := ledger.Open(path, keys)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.VerifyChain(); err != nil {
		t.Errorf("reloaded ledger verification failed: %v", err)
	}
	entries, _ := reopened.Load()
	if len(entries) != 2 || entries[1].RunID != "run-2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPruneKeepsChainVerifiable(t *testing.T) {
	l, path, keys := openTemp(t)
	for i := 1; i <= 5; i++ {
		_ = l.Append(run(i))
	}
	if err := l.Prune(2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	reopened, err := ledger.Open(path, keys)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries, _ := reopened.Load()
	if len(entries) != 2 || entries[0].Number != 4 || entries[1].Number != 5 {
		t.Fatalf("entries after prune = %+v", entries)
	}
	if err := reopened.VerifyChain(); err != nil {
		t.Errorf("pruned chain failed verification: %v", err)
	}

	// Appending after a prune continues the index sequence.
	if err := reopened.Append(run(6)); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	blocks := reopened.Blocks()
	if last := blocks[len(blocks)-1]; last.Index != 5 {
		t.Errorf("index after prune = %d, want 5", last.Index)
	}
}

func TestLedgerBacksHistory(t *testing.T) {
	l, path, keys := openTemp(t)
	h, err := history.New(3, l)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if err := h.Record(run(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	reopened, _ := ledger.Open(path, keys)
	restored, err := history.New(3, reopened)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := restored.List()
	if len(got) != 3 || got[0].Number != 4 || got[2].Number != 2 {
		t.Errorf("restored history = %+v", got)
	}
	if restored.NextNumber() != 5 {
		t.Errorf("NextNumber() = %d, want 5", restored.NextNumber())
	}
}
