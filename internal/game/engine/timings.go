package engine

import (
	"github.com/rawblock/infinity-storm/internal/game/grid"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// TimingProfile holds the advisory animation phase durations used to
// build per-step timings. Clients pace their cascade playback from
// these; the validator treats them as the reference timeline. All
// values are in milliseconds.
type TimingProfile struct {
	WinHighlightMs int64
	RemovalMs      int64
	DropBaseMs     int64
	DropPerRowMs   int64
	SettleMs       int64
}

// DefaultTiming is the standard cascade pacing.
var DefaultTiming = TimingProfile{
	WinHighlightMs: 600,
	RemovalMs:      300,
	DropBaseMs:     160,
	DropPerRowMs:   80,
	SettleMs:       240,
}

// QuickTiming is the quick-spin pacing, roughly 2.5x faster.
var QuickTiming = TimingProfile{
	WinHighlightMs: 250,
	RemovalMs:      120,
	DropBaseMs:     60,
	DropPerRowMs:   32,
	SettleMs:       100,
}

// stepTimings derives the advisory timings for one step from its drop
// pattern. The drop phase scales with the longest fall distance of the
// step, counting refills from their entry above row 0, so the result
// depends only on step content and is reproducible.
func stepTimings(p TimingProfile, pattern grid.DropPattern, serverMark int64) models.StepTimings {
	maxFall := 1
	for _, m := range pattern.Moves {
		if d := m.ToRow - m.FromRow; d > maxFall {
			maxFall = d
		}
	}
	for _, rf := range pattern.Refills {
		if d := rf.Row + 1; d > maxFall {
			maxFall = d
		}
	}

	drop := p.DropBaseMs + p.DropPerRowMs*int64(maxFall)
	t := models.StepTimings{
		WinHighlightMs: p.WinHighlightMs,
		RemovalMs:      p.RemovalMs,
		DropMs:         drop,
		SettleMs:       p.SettleMs,
		ServerMark:     serverMark,
	}
	t.TotalMs = t.WinHighlightMs + t.RemovalMs + t.DropMs + t.SettleMs
	return t
}
