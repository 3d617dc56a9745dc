// Package audit replays persisted spin results and checks that every
// stored document still matches its own validation hash. It is the
// after-the-fact counterpart of the sync protocol's live checks: a
// tampered row, a broken serializer or a drifted hash routine all
// surface here.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// mismatchCap bounds how many offending spin ids a report carries.
const mismatchCap = 100

// Verifier walks spin_results in time ranges and re-verifies each
// document. One verification runs at a time; progress is readable
// concurrently.
type Verifier struct {
	store    db.Store
	log      logger.Logger
	now      func() time.Time
	pageSize int

	running      atomic.Bool
	spinsChecked atomic.Int64
	mismatched   atomic.Int64

	mu         sync.Mutex
	mismatches []Mismatch
}

// Mismatch names one failed spin and why it failed.
type Mismatch struct {
	SpinID string `json:"spinId"`
	Reason string `json:"reason"`
}

// Progress is the thread-safe view of a run for polling while a long
// verification is underway.
type Progress struct {
	Running      bool  `json:"running"`
	SpinsChecked int64 `json:"spinsChecked"`
	Mismatches   int64 `json:"mismatches"`
}

// Report summarizes one completed verification run.
type Report struct {
	From         time.Time  `json:"from"`
	To           time.Time  `json:"to"`
	SpinsChecked int64      `json:"spinsChecked"`
	Mismatches   []Mismatch `json:"mismatches"`
	Clean        bool       `json:"clean"`
	DurationMs   int64      `json:"durationMs"`
}

type Option func(*Verifier)

// WithClock fixes the verifier's time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithPageSize overrides how many results one store query fetches.
func WithPageSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

func NewVerifier(store db.Store, log logger.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		store:    store,
		log:      log.Component("audit"),
		now:      time.Now,
		pageSize: 200,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Progress returns the current run's counters.
func (v *Verifier) Progress() Progress {
	return Progress{
		Running:      v.running.Load(),
		SpinsChecked: v.spinsChecked.Load(),
		Mismatches:   v.mismatched.Load(),
	}
}

// VerifyRange replays every spin result with a timestamp in [from, to)
// and reports the ones that no longer verify. Only one run may be
// active at a time.
func (v *Verifier) VerifyRange(ctx context.Context, from, to time.Time) (*Report, error) {
	if !v.running.CompareAndSwap(false, true) {
		return nil, gameerr.New(gameerr.KindUnknown, "spin audit already running")
	}
	defer v.running.Store(false)

	v.spinsChecked.Store(0)
	v.mismatched.Store(0)
	v.mu.Lock()
	v.mismatches = nil
	v.mu.Unlock()

	started := v.now()
	v.log.Info().Time("from", from).Time("to", to).Msg("spin audit started")

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return nil, gameerr.Wrap(gameerr.KindTimeout, ctx.Err(), "spin audit cancelled")
		default:
		}

		batch, err := v.store.ListSpinResultsBetween(ctx, from, to, v.pageSize, offset)
		if err != nil {
			return nil, gameerr.Wrap(gameerr.KindUnknown, err, "spin audit page at offset %d", offset)
		}
		for _, r := range batch {
			v.spinsChecked.Add(1)
			if reason, ok := verifySpin(r); !ok {
				v.recordMismatch(r.SpinID, reason)
			}
		}
		if len(batch) < v.pageSize {
			break
		}
		offset += len(batch)
	}

	v.mu.Lock()
	mismatches := append([]Mismatch(nil), v.mismatches...)
	v.mu.Unlock()

	report := &Report{
		From:         from,
		To:           to,
		SpinsChecked: v.spinsChecked.Load(),
		Mismatches:   mismatches,
		Clean:        v.mismatched.Load() == 0,
		DurationMs:   v.now().Sub(started).Milliseconds(),
	}
	v.log.Info().Int64("checked", report.SpinsChecked).
		Int64("mismatches", v.mismatched.Load()).Msg("spin audit finished")
	return report, nil
}

// verifySpin re-derives the document's validation hash and sanity
// checks its grid. Returns the failure reason when the spin does not
// hold up.
func verifySpin(r *models.SpinResult) (string, bool) {
	if r.ValidationHash == "" {
		return "result not sealed", false
	}
	if err := r.InitialGrid.Validate(); err != nil {
		return "initial grid invalid: " + err.Error(), false
	}
	if !r.Verify() {
		return "validation hash mismatch", false
	}
	return "", true
}

func (v *Verifier) recordMismatch(spinID, reason string) {
	v.mismatched.Add(1)
	v.log.Warn().Str("spin", spinID).Str("reason", reason).Msg("spin audit mismatch")

	v.mu.Lock()
	if len(v.mismatches) < mismatchCap {
		v.mismatches = append(v.mismatches, Mismatch{SpinID: spinID, Reason: reason})
	}
	v.mu.Unlock()
}
