package server_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pollci/internal/core"
	"pollci/internal/history"
	"pollci/internal/server"
)

type fakeGate struct {
	mu        sync.Mutex
	answer    core.Admission
	reasons   []string
	active    bool
	cancelled int
}

func (g *fakeGate) Submit(reason string) core.Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reasons = append(g.reasons, reason)
	return g.answer
}

func (g *fakeGate) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return false
	}
	g.cancelled++
	return true
}

type fakeRunner struct{ run *core.Run }

func (f fakeRunner) Active() *core.Run { return f.run }

type fakeLedger struct{ err error }

func (f fakeLedger) VerifyChain() error { return f.err }

func newTestServer(t *testing.T, gate *fakeGate, runner fakeRunner, ledger server.ChainVerifier) *httptest.Server {
	t.Helper()
	h, _ := history.New(3, nil)
	h.Record(history.Entry{RunID: "r1", Number: 1, Pipeline: "lint", Status: "success"})
	h.Record(history.Entry{RunID: "r2", Number: 2, Pipeline: "lint", Status: "failed", FailedStage: "Static Analysis"})

	srv := server.New(server.Config{
		Pipeline: &core.Pipeline{Name: "lint", Stages: []core.Stage{{Name: "Static Analysis", Steps: []core.Step{{Run: "pylint"}}}}},
		Gate:     gate,
		Runner:   runner,
		History:  h,
		Ledger:   ledger,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthzAndPipeline(t *testing.T) {
	ts := newTestServer(t, &fakeGate{}, fakeRunner{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, _ = http.Get(ts.URL + "/pipeline")
	var p map[string]any
	decode(t, resp, &p)
	if p["name"] != "lint" || p["pollInterval"] != "1h0m0s" {
		t.Errorf("pipeline = %v", p)
	}
}

func TestListRunsMostRecentFirst(t *testing.T) {
	ts := newTestServer(t, &fakeGate{}, fakeRunner{}, nil)

	resp, _ := http.Get(ts.URL + "/runs")
	var entries []history.Entry
	decode(t, resp, &entries)
	if len(entries) != 2 || entries[0].RunID != "r2" || entries[0].FailedStage != "Static Analysis" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestTrigger(t *testing.T) {
	tests := []struct {
		answer core.Admission
		status int
	}{
		{core.Admitted, http.StatusAccepted},
		{core.Queued, http.StatusAccepted},
		{core.Dropped, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.answer), func(t *testing.T) {
			gate := &fakeGate{answer: tt.answer}
			ts := newTestServer(t, gate, fakeRunner{}, nil)

			resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"reason":"hotfix"}`))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body map[string]string
			decode(t, resp, &body)
			if body["admission"] != string(tt.answer) {
				t.Errorf("body = %v", body)
			}
			if len(gate.reasons) != 1 || gate.reasons[0] != "hotfix" {
				t.Errorf("reasons = %v", gate.reasons)
			}
		})
	}
}

func TestTriggerWithoutBody(t *testing.T) {
	gate := &fakeGate{answer: core.Admitted}
	ts := newTestServer(t, gate, fakeRunner{}, nil)

	resp, _ := http.Post(ts.URL+"/runs", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || gate.reasons[0] != "manual" {
		t.Errorf("status = %d reasons = %v", resp.StatusCode, gate.reasons)
	}

	resp, _ = http.Post(ts.URL+"/runs", "application/json", strings.NewReader("{"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}
}

func TestActiveRunAndCancel(t *testing.T) {
	idle := newTestServer(t, &fakeGate{}, fakeRunner{}, nil)
	resp, _ := http.Get(idle.URL + "/runs/active")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("idle active status = %d", resp.StatusCode)
	}
	resp, _ = http.Post(idle.URL+"/runs/active/cancel", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("idle cancel status = %d", resp.StatusCode)
	}

	gate := &fakeGate{active: true}
	busy := newTestServer(t, gate, fakeRunner{run: &core.Run{ID: "r3", Status: core.RunRunning}}, nil)
	resp, _ = http.Get(busy.URL + "/runs/active")
	var run map[string]any
	decode(t, resp, &run)
	if run["id"] != "r3" || run["status"] != "running" {
		t.Errorf("active = %v", run)
	}
	resp, _ = http.Post(busy.URL+"/runs/active/cancel", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || gate.cancelled != 1 {
		t.Errorf("cancel status = %d cancelled = %d", resp.StatusCode, gate.cancelled)
	}
}

func TestVerifyLedger(t *testing.T) {
	tests := []struct {
		name   string
		ledger server.ChainVerifier
		status int
	}{
		{"none", nil, http.StatusNotFound},
		{"ok", fakeLedger{}, http.StatusOK},
		{"tampered", fakeLedger{err: errors.New("hash mismatch at block 2")}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeGate{}, fakeRunner{}, tt.ledger)
			resp, _ := http.Get(ts.URL + "/ledger/verify")
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}
