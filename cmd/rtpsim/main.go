package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/infinity-storm/internal/game/engine"
	"github.com/rawblock/infinity-storm/internal/game/rng"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/pkg/models"
	"github.com/rawblock/infinity-storm/pkg/money"
)

// rtpsim plays the engine against itself and reports return-to-player
// statistics. Every weight or pay change to the reference model gets
// re-certified with this tool before it ships.
//
// Shadow mode runs a candidate tuning next to the reference model on
// identical seeds and reports the drift, so a proposed change can be
// observed without touching the certified tables.

// tally accumulates one engine's outcomes. All money stays in Cents;
// floats appear only in the printed report.
type tally struct {
	Rounds     int64
	TotalSpins int64
	Wagered    money.Cents
	Won        money.Cents
	FreeWon    money.Cents

	WinningRounds int64
	SmallWins     int64 // < 5x bet
	MediumWins    int64 // 5x - 20x
	BigWins       int64 // 20x - 100x
	MegaWins      int64 // >= 100x

	FreeSessions    int64
	FreeSpinsPlayed int64
	Retriggers      int64

	TotalCascades int64
	MaxCascades   int
	DepthHist     [32]int64

	CappedRounds int64
	MaxWin       money.Cents
	MaxWinSeed   string
}

func (t *tally) merge(o *tally) {
	t.Rounds += o.Rounds
	t.TotalSpins += o.TotalSpins
	t.Wagered += o.Wagered
	t.Won += o.Won
	t.FreeWon += o.FreeWon

	t.WinningRounds += o.WinningRounds
	t.SmallWins += o.SmallWins
	t.MediumWins += o.MediumWins
	t.BigWins += o.BigWins
	t.MegaWins += o.MegaWins

	t.FreeSessions += o.FreeSessions
	t.FreeSpinsPlayed += o.FreeSpinsPlayed
	t.Retriggers += o.Retriggers

	t.TotalCascades += o.TotalCascades
	if o.MaxCascades > t.MaxCascades {
		t.MaxCascades = o.MaxCascades
	}
	for i := range t.DepthHist {
		t.DepthHist[i] += o.DepthHist[i]
	}

	t.CappedRounds += o.CappedRounds
	if o.MaxWin > t.MaxWin {
		t.MaxWin = o.MaxWin
		t.MaxWinSeed = o.MaxWinSeed
	}
}

// divSample is one logged reference/candidate divergence, replayable
// from its seed.
type divSample struct {
	Round   int64
	Seed    string
	RefWin  money.Cents
	CandWin money.Cents
}

// divTally tracks how far the candidate drifts from the reference.
type divTally struct {
	Divergences int64
	DeltaSum    money.Cents // candidate minus reference
	Samples     []divSample
}

func (d *divTally) merge(o *divTally) {
	d.Divergences += o.Divergences
	d.DeltaSum += o.DeltaSum
	for _, s := range o.Samples {
		if len(d.Samples) < 5 {
			d.Samples = append(d.Samples, s)
		}
	}
}

type workerResult struct {
	ref  tally
	cand tally
	div  divTally
}

func main() {
	numRounds := flag.Int64("spins", 1_000_000, "Number of base spins to simulate")
	betStr := flag.String("bet", "1.00", "Bet amount per spin")
	workers := flag.Int("workers", runtime.NumCPU(), "Concurrent simulation workers")
	seedFlag := flag.String("seed", "", "Root seed (hex); empty draws a fresh one")
	progressEvery := flag.Int64("progress", 100_000, "Progress report interval in rounds (0 disables)")
	targetRTP := flag.Float64("target-rtp", 96.5, "Target RTP percentage")
	jsonOut := flag.Bool("json", false, "Emit the report as JSON")

	shadow := flag.Bool("shadow", false, "Run a candidate tuning next to the reference model")
	shadowBaseBP := flag.Int("shadow-base-mult-bp", 0, "Candidate base-mode multiplier chance in basis points (0 keeps reference)")
	shadowFreeBP := flag.Int("shadow-free-mult-bp", 0, "Candidate free-mode multiplier chance in basis points (0 keeps reference)")
	shadowScatterW := flag.Int("shadow-scatter-weight", 0, "Candidate base-table scatter weight (0 keeps reference)")
	flag.Parse()

	bet, err := money.Parse(*betStr)
	if err != nil || bet <= 0 {
		fmt.Fprintf(os.Stderr, "invalid -bet %q\n", *betStr)
		os.Exit(1)
	}
	if *numRounds <= 0 || *workers <= 0 {
		fmt.Fprintln(os.Stderr, "-spins and -workers must be positive")
		os.Exit(1)
	}

	rootSeed := *seedFlag
	if rootSeed == "" {
		rootSeed = rng.NewSeed()
	}

	ref := engine.New(symbols.Default(), engine.DefaultConfig())
	var cand *engine.Engine
	if *shadow {
		cand = engine.New(candidateModel(*shadowBaseBP, *shadowFreeBP, *shadowScatterW), engine.DefaultConfig())
	}

	if !*jsonOut {
		fmt.Printf("rtpsim: %d rounds, bet %s, %d workers\n", *numRounds, bet, *workers)
		fmt.Printf("seed:   %s\n", rootSeed)
		if *shadow {
			fmt.Printf("shadow: base-mult-bp=%d free-mult-bp=%d scatter-weight=%d (0 = reference value)\n",
				*shadowBaseBP, *shadowFreeBP, *shadowScatterW)
		}
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var done atomic.Int64

	// Rounds are sliced across workers; worker w owns round indexes
	// w, w+workers, w+2*workers... so the seed schedule is identical
	// for any worker count.
	results := make([]workerResult, *workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			res := &results[w]
			for i := int64(w); i < *numRounds; i += int64(*workers) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				roundSeed := rng.ChildSeed(rootSeed, uint64(i))

				refRound, err := playRound(ctx, ref, bet, roundSeed)
				if err != nil {
					return fmt.Errorf("round %d (seed %s): %w", i, roundSeed, err)
				}
				res.ref.fold(refRound, bet, roundSeed)

				if cand != nil {
					candRound, err := playRound(ctx, cand, bet, roundSeed)
					if err != nil {
						return fmt.Errorf("shadow round %d (seed %s): %w", i, roundSeed, err)
					}
					res.cand.fold(candRound, bet, roundSeed)
					if candRound.won != refRound.won {
						res.div.Divergences++
						res.div.DeltaSum += candRound.won - refRound.won
						if len(res.div.Samples) < 3 {
							res.div.Samples = append(res.div.Samples, divSample{
								Round: i, Seed: roundSeed,
								RefWin: refRound.won, CandWin: candRound.won,
							})
						}
					}
				}

				if n := done.Add(1); *progressEvery > 0 && n%*progressEvery == 0 && !*jsonOut {
					elapsed := time.Since(start)
					rate := float64(n) / elapsed.Seconds()
					eta := time.Duration(float64(*numRounds-n) / rate * float64(time.Second))
					fmt.Printf("progress: %d/%d rounds (%.1f%%) | %.0f rounds/sec | eta %s\n",
						n, *numRounds, float64(n)/float64(*numRounds)*100, rate, eta.Round(time.Second))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "simulation aborted: %v\n", err)
		os.Exit(1)
	}

	var refTotal, candTotal tally
	var div divTally
	for i := range results {
		refTotal.merge(&results[i].ref)
		candTotal.merge(&results[i].cand)
		div.merge(&results[i].div)
	}

	report := Report{
		Rounds:    *numRounds,
		Bet:       bet.String(),
		Seed:      rootSeed,
		Workers:   *workers,
		TargetRTP: *targetRTP,
		ElapsedMs: time.Since(start).Milliseconds(),
		Reference: summarize(&refTotal),
	}
	if cand != nil {
		cs := summarize(&candTotal)
		report.Candidate = &cs
		report.Drift = &Drift{
			Rounds:      refTotal.Rounds,
			Divergences: div.Divergences,
			Rate:        pct(div.Divergences, refTotal.Rounds),
			AvgWinDelta: avgDelta(div.DeltaSum, refTotal.Rounds),
			RTPDrift:    report.Candidate.RTP - report.Reference.RTP,
		}
	}

	if *jsonOut {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	printSummary("REFERENCE MODEL", report.Reference, *targetRTP)
	if report.Candidate != nil {
		printSummary("CANDIDATE MODEL", *report.Candidate, *targetRTP)
		printDrift(*report.Drift, div.Samples)
	}
	fmt.Printf("elapsed: %s\n", time.Since(start).Round(time.Millisecond))
}

// roundOutcome is one base spin plus the whole free-spin session it
// awarded, folded the same way the session manager folds live play.
type roundOutcome struct {
	won       money.Cents
	freeWon   money.Cents
	spins     int64
	freeSpins int64
	sessions  int64
	retrigs   int64
	cascades  int64
	maxDepth  int
	depths    []int
	capped    bool
}

// playRound computes one base spin and plays out any triggered free
// spins. Free spins draw seeds from a subchain of the round seed, so
// two models replay the same round from identical seeds even when they
// trigger different numbers of free spins.
func playRound(ctx context.Context, eng *engine.Engine, bet money.Cents, roundSeed string) (roundOutcome, error) {
	var out roundOutcome

	r, err := eng.ComputeSpin(ctx, engine.SpinParams{
		SpinID:      "sim",
		PlayerID:    "sim",
		SessionID:   "sim",
		Bet:         bet,
		Mode:        models.GameModeBase,
		Accumulated: 1,
		Seed:        roundSeed,
	})
	if err != nil {
		return out, err
	}
	out.won = r.TotalWin
	out.spins = 1
	out.cascades = int64(r.CascadeCount())
	out.maxDepth = r.CascadeCount()
	out.depths = append(out.depths, r.CascadeCount())
	out.capped = r.WinCapped

	if !r.FreeSpinsTriggered {
		return out, nil
	}

	out.sessions = 1
	remaining := r.FreeSpinsAwarded
	accumulated := int64(1)
	for pos := uint64(1); remaining > 0; pos++ {
		fr, err := eng.ComputeSpin(ctx, engine.SpinParams{
			SpinID:      "sim",
			PlayerID:    "sim",
			SessionID:   "sim",
			Bet:         bet,
			Mode:        models.GameModeFree,
			Accumulated: accumulated,
			Seed:        rng.ChildSeed(roundSeed, pos),
		})
		if err != nil {
			return out, err
		}
		out.won += fr.TotalWin
		out.freeWon += fr.TotalWin
		out.spins++
		out.freeSpins++
		out.cascades += int64(fr.CascadeCount())
		if fr.CascadeCount() > out.maxDepth {
			out.maxDepth = fr.CascadeCount()
		}
		out.depths = append(out.depths, fr.CascadeCount())
		out.capped = out.capped || fr.WinCapped

		remaining--
		if fr.FreeSpinsTriggered {
			remaining += fr.FreeSpinsAwarded
			out.retrigs++
		}
		accumulated = fr.AccumulatedOut
	}
	return out, nil
}

// fold adds one round to the tally. Free spins replay the bet without
// staking it, so a round wagers exactly one bet no matter how many
// spins it plays.
func (t *tally) fold(r roundOutcome, bet money.Cents, roundSeed string) {
	t.Rounds++
	t.TotalSpins += r.spins
	t.Wagered += bet
	t.Won += r.won
	t.FreeWon += r.freeWon

	t.FreeSessions += r.sessions
	t.FreeSpinsPlayed += r.freeSpins
	t.Retriggers += r.retrigs

	t.TotalCascades += r.cascades
	if r.maxDepth > t.MaxCascades {
		t.MaxCascades = r.maxDepth
	}
	for _, d := range r.depths {
		if d >= len(t.DepthHist) {
			d = len(t.DepthHist) - 1
		}
		t.DepthHist[d]++
	}

	if r.capped {
		t.CappedRounds++
	}
	if r.won > t.MaxWin {
		t.MaxWin = r.won
		t.MaxWinSeed = roundSeed
	}
	if r.won > 0 {
		t.WinningRounds++
		switch {
		case r.won >= bet.MulInt(100):
			t.MegaWins++
		case r.won >= bet.MulInt(20):
			t.BigWins++
		case r.won >= bet.MulInt(5):
			t.MediumWins++
		default:
			t.SmallWins++
		}
	}
}

// candidateModel clones the reference model and applies the shadow
// overrides. The reference tables are never mutated.
func candidateModel(baseBP, freeBP, scatterWeight int) *symbols.Model {
	m := *symbols.Default()
	if baseBP > 0 {
		m.MultChanceBaseBP = baseBP
	}
	if freeBP > 0 {
		m.MultChanceFreeBP = freeBP
	}
	if scatterWeight > 0 {
		tbl := make(symbols.WeightTable, len(m.BaseWeights))
		copy(tbl, m.BaseWeights)
		for i := range tbl {
			if symbols.IsScatter(tbl[i].Symbol) {
				tbl[i].Weight = scatterWeight
			}
		}
		m.BaseWeights = tbl
	}
	return &m
}

// Report is the machine-readable simulation result.
type Report struct {
	Rounds    int64   `json:"rounds"`
	Bet       string  `json:"bet"`
	Seed      string  `json:"seed"`
	Workers   int     `json:"workers"`
	TargetRTP float64 `json:"targetRtp"`
	ElapsedMs int64   `json:"elapsedMs"`

	Reference Summary  `json:"reference"`
	Candidate *Summary `json:"candidate,omitempty"`
	Drift     *Drift   `json:"drift,omitempty"`
}

// Summary aggregates one model's run. Percentages are percent, not
// fractions.
type Summary struct {
	Rounds     int64   `json:"rounds"`
	TotalSpins int64   `json:"totalSpins"`
	Wagered    string  `json:"wagered"`
	Won        string  `json:"won"`
	RTP        float64 `json:"rtp"`
	FreeRTP    float64 `json:"freeRtp"`

	HitRate    float64 `json:"hitRate"`
	SmallWins  int64   `json:"smallWins"`
	MediumWins int64   `json:"mediumWins"`
	BigWins    int64   `json:"bigWins"`
	MegaWins   int64   `json:"megaWins"`

	FreeSessions    int64   `json:"freeSessions"`
	FreeSpinsPlayed int64   `json:"freeSpinsPlayed"`
	Retriggers      int64   `json:"retriggers"`
	TriggerRate     float64 `json:"triggerRate"`

	AvgCascades float64 `json:"avgCascades"`
	MaxCascades int     `json:"maxCascades"`
	DepthHist   []int64 `json:"cascadeDepthHist"`

	CappedRounds   int64   `json:"cappedRounds"`
	MaxWin         string  `json:"maxWin"`
	MaxWinMultiple float64 `json:"maxWinMultiple"`
	MaxWinSeed     string  `json:"maxWinSeed"`
}

// Drift is the shadow comparison: how often and how far the candidate
// departs from the reference on identical seeds.
type Drift struct {
	Rounds      int64   `json:"rounds"`
	Divergences int64   `json:"divergences"`
	Rate        float64 `json:"divergenceRate"`
	AvgWinDelta string  `json:"avgWinDelta"`
	RTPDrift    float64 `json:"rtpDrift"`
}

func summarize(t *tally) Summary {
	s := Summary{
		Rounds:     t.Rounds,
		TotalSpins: t.TotalSpins,
		Wagered:    t.Wagered.String(),
		Won:        t.Won.String(),

		HitRate:    pct(t.WinningRounds, t.Rounds),
		SmallWins:  t.SmallWins,
		MediumWins: t.MediumWins,
		BigWins:    t.BigWins,
		MegaWins:   t.MegaWins,

		FreeSessions:    t.FreeSessions,
		FreeSpinsPlayed: t.FreeSpinsPlayed,
		Retriggers:      t.Retriggers,
		TriggerRate:     pct(t.FreeSessions, t.Rounds),

		MaxCascades:  t.MaxCascades,
		CappedRounds: t.CappedRounds,
		MaxWin:       t.MaxWin.String(),
		MaxWinSeed:   t.MaxWinSeed,
	}
	if t.Wagered > 0 {
		s.RTP = t.Won.Float64() / t.Wagered.Float64() * 100
		s.FreeRTP = t.FreeWon.Float64() / t.Wagered.Float64() * 100
	}
	if t.TotalSpins > 0 {
		s.AvgCascades = float64(t.TotalCascades) / float64(t.TotalSpins)
	}
	if t.MaxWin > 0 && t.Wagered > 0 && t.Rounds > 0 {
		betPerRound := t.Wagered.Float64() / float64(t.Rounds)
		s.MaxWinMultiple = t.MaxWin.Float64() / betPerRound
	}
	for d := len(t.DepthHist) - 1; d >= 0; d-- {
		if t.DepthHist[d] > 0 {
			s.DepthHist = append([]int64(nil), t.DepthHist[:d+1]...)
			break
		}
	}
	return s
}

func pct(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func avgDelta(sum money.Cents, rounds int64) string {
	if rounds == 0 {
		return money.Cents(0).String()
	}
	return money.Cents(int64(sum) / rounds).String()
}

func printSummary(title string, s Summary, targetRTP float64) {
	fmt.Printf("=== %s ===\n", title)
	fmt.Printf("Rounds:            %d (%d spins incl. free)\n", s.Rounds, s.TotalSpins)
	fmt.Printf("Wagered:           %s\n", s.Wagered)
	fmt.Printf("Won:               %s\n", s.Won)
	fmt.Printf("RTP:               %.4f%%  (target %.2f%%, diff %+.4f%%)\n", s.RTP, targetRTP, s.RTP-targetRTP)
	fmt.Printf("Free-spin RTP:     %.4f%%\n", s.FreeRTP)
	fmt.Println()
	fmt.Printf("Hit rate:          %.2f%% of rounds\n", s.HitRate)
	fmt.Printf("Small wins (<5x):  %d\n", s.SmallWins)
	fmt.Printf("Medium (5-20x):    %d\n", s.MediumWins)
	fmt.Printf("Big (20-100x):     %d\n", s.BigWins)
	fmt.Printf("Mega (>=100x):     %d\n", s.MegaWins)
	fmt.Println()
	fmt.Printf("Free sessions:     %d (%.4f%% of rounds", s.FreeSessions, s.TriggerRate)
	if s.FreeSessions > 0 {
		fmt.Printf(", 1 in %.0f", float64(s.Rounds)/float64(s.FreeSessions))
	}
	fmt.Println(")")
	fmt.Printf("Free spins played: %d (retriggers %d)\n", s.FreeSpinsPlayed, s.Retriggers)
	fmt.Println()
	fmt.Printf("Avg cascades:      %.3f per spin (max %d)\n", s.AvgCascades, s.MaxCascades)
	fmt.Printf("Depth histogram:  ")
	for d, n := range s.DepthHist {
		if n > 0 {
			fmt.Printf(" %d:%d", d, n)
		}
	}
	fmt.Println()
	fmt.Printf("Capped rounds:     %d\n", s.CappedRounds)
	fmt.Printf("Max win:           %s (%.1fx bet, seed %s)\n", s.MaxWin, s.MaxWinMultiple, s.MaxWinSeed)
	fmt.Println()
}

func printDrift(d Drift, samples []divSample) {
	fmt.Println("=== SHADOW DRIFT ===")
	fmt.Printf("Rounds compared:   %d\n", d.Rounds)
	fmt.Printf("Divergences:       %d (%.4f%%)\n", d.Divergences, d.Rate)
	fmt.Printf("Avg win delta:     %s per round\n", d.AvgWinDelta)
	fmt.Printf("RTP drift:         %+.4f%%\n", d.RTPDrift)
	for _, s := range samples {
		fmt.Printf("  divergence at round %d: ref %s, candidate %s (seed %s)\n",
			s.Round, s.RefWin, s.CandWin, s.Seed)
	}
	fmt.Println()
}
