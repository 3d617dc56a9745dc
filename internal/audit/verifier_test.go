package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/game/engine"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

var auditEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seedSpins computes real spins and persists them, returning the store.
// Seeds index the engine's fixture outcomes; the audit only cares that
// each document is sealed and self-consistent.
func seedSpins(t *testing.T, seeds []string) *db.MemoryStore {
	t.Helper()
	store := db.NewMemory()
	eng := engine.New(symbols.Default(), engine.DefaultConfig(),
		engine.WithClock(func() time.Time { return auditEpoch }))

	for _, seed := range seeds {
		r, err := eng.ComputeSpin(context.Background(), engine.SpinParams{
			SpinID:      "spin-" + seed,
			PlayerID:    "p1",
			SessionID:   "sess-1",
			Bet:         money.MustParse("1.00"),
			Mode:        models.GameModeBase,
			Accumulated: 1,
			Seed:        seed,
		})
		if err != nil {
			t.Fatalf("ComputeSpin(%s): %v", seed, err)
		}
		if err := store.SaveSpinResult(context.Background(), r); err != nil {
			t.Fatalf("SaveSpinResult(%s): %v", seed, err)
		}
	}
	return store
}

func TestVerifyRangeClean(t *testing.T) {
	store := seedSpins(t, []string{"quiet-board-005", "single-time-cluster-023", "double-step-924"})
	v := NewVerifier(store, logger.Nop(), WithClock(func() time.Time { return auditEpoch }))

	report, err := v.VerifyRange(context.Background(), auditEpoch, auditEpoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}
	if !report.Clean {
		t.Errorf("Clean ledger reported mismatches: %+v", report.Mismatches)
	}
	if report.SpinsChecked != 3 {
		t.Errorf("Checked %d spins, want 3", report.SpinsChecked)
	}
	if p := v.Progress(); p.Running || p.SpinsChecked != 3 || p.Mismatches != 0 {
		t.Errorf("Unexpected progress after run: %+v", p)
	}
}

func TestVerifyRangeFlagsTamperedSpin(t *testing.T) {
	store := seedSpins(t, []string{"quiet-board-005", "double-step-924"})
	eng := engine.New(symbols.Default(), engine.DefaultConfig(),
		engine.WithClock(func() time.Time { return auditEpoch }))

	r, err := eng.ComputeSpin(context.Background(), engine.SpinParams{
		SpinID:      "spin-tampered",
		PlayerID:    "p1",
		SessionID:   "sess-1",
		Bet:         money.MustParse("1.00"),
		Mode:        models.GameModeBase,
		Accumulated: 1,
		Seed:        "sticky-boost-036",
	})
	if err != nil {
		t.Fatalf("ComputeSpin: %v", err)
	}
	// Inflate the win after sealing; the stored hash no longer covers it.
	r.TotalWin += money.MustParse("100.00")
	if err := store.SaveSpinResult(context.Background(), r); err != nil {
		t.Fatalf("SaveSpinResult: %v", err)
	}

	v := NewVerifier(store, logger.Nop())
	report, err := v.VerifyRange(context.Background(), auditEpoch, auditEpoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}
	if report.Clean {
		t.Fatal("Tampered spin passed the audit")
	}
	if report.SpinsChecked != 3 {
		t.Errorf("Checked %d spins, want 3", report.SpinsChecked)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("Expected 1 mismatch, got %d", len(report.Mismatches))
	}
	if m := report.Mismatches[0]; m.SpinID != "spin-tampered" || m.Reason != "validation hash mismatch" {
		t.Errorf("Unexpected mismatch: %+v", m)
	}
}

func TestVerifyRangePages(t *testing.T) {
	store := seedSpins(t, []string{
		"quiet-board-005", "single-time-cluster-023", "double-step-924",
		"sticky-boost-036", "scatter-four-004",
	})
	v := NewVerifier(store, logger.Nop(), WithPageSize(2))

	report, err := v.VerifyRange(context.Background(), auditEpoch, auditEpoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}
	if report.SpinsChecked != 5 || !report.Clean {
		t.Errorf("Paged run checked %d spins clean=%v, want 5 clean", report.SpinsChecked, report.Clean)
	}
}

func TestVerifyRangeEmpty(t *testing.T) {
	store := seedSpins(t, []string{"quiet-board-005"})
	v := NewVerifier(store, logger.Nop())

	// Window entirely before the only spin.
	report, err := v.VerifyRange(context.Background(), auditEpoch.Add(-2*time.Hour), auditEpoch.Add(-time.Hour))
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}
	if report.SpinsChecked != 0 || !report.Clean {
		t.Errorf("Empty window: %+v", report)
	}
}
